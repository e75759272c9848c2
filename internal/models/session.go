package models

import "time"

type AttendantSession struct {
	SiteID          string    `json:"site_id"`
	CubicleID       string    `json:"cubicle_id"`
	CubicleLabel    string    `json:"cubicle_label"`
	AttendantID     string    `json:"attendant_id"`
	State           string    `json:"state"`
	CurrentTicketID *string   `json:"current_ticket_id,omitempty"`
	ActivePauseID   *string   `json:"active_pause_id,omitempty"`
	ServiceIDs      []string  `json:"service_ids,omitempty"`
	BoundAt         time.Time `json:"bound_at"`
}

const (
	SessionAvailable = "available"
	SessionOccupied  = "occupied"
	SessionPaused    = "paused"
)

type PauseRecord struct {
	PauseID     string     `json:"pause_id"`
	SiteID      string     `json:"site_id"`
	CubicleID   string     `json:"cubicle_id"`
	AttendantID string     `json:"attendant_id"`
	ReasonID    string     `json:"reason_id"`
	Description string     `json:"description,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func (p PauseRecord) Open() bool {
	return p.EndedAt == nil
}

// ActiveSession is what a client needs to rebuild its workspace after a restart.
type ActiveSession struct {
	Session AttendantSession `json:"session"`
	Ticket  *Ticket          `json:"ticket,omitempty"`
	Pause   *PauseRecord     `json:"pause,omitempty"`
}
