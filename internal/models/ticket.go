package models

import "time"

type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	Code           string     `json:"code"`
	Seq            int64      `json:"seq"`
	SiteID         string     `json:"site_id"`
	ServiceID      string     `json:"service_id"`
	PriorityID     string     `json:"priority_id"`
	PriorityLevel  int        `json:"priority_level"`
	State          string     `json:"state"`
	CubicleID      *string    `json:"cubicle_id,omitempty"`
	CubicleLabel   string     `json:"cubicle_label,omitempty"`
	AttendantID    *string    `json:"attendant_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	AttendedAt     *time.Time `json:"attended_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CancelReasonID string     `json:"cancel_reason_id,omitempty"`
	AppointmentRef string     `json:"appointment_ref,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
}

const (
	StateWaiting   = "waiting"
	StateCalled    = "called"
	StateAttending = "attending"
	StateFinished  = "finished"
	StateCancelled = "cancelled"
)

// DisplayTicket is the only ticket shape broadcast over the realtime channel.
// It never carries notes, service detail or customer data.
type DisplayTicket struct {
	TicketID      string    `json:"id"`
	Code          string    `json:"code"`
	CubicleLabel  string    `json:"cubicle,omitempty"`
	State         string    `json:"state"`
	PriorityLevel int       `json:"priority"`
	Seq           int64     `json:"seq,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (t Ticket) Display() DisplayTicket {
	return DisplayTicket{
		TicketID:      t.TicketID,
		Code:          t.Code,
		CubicleLabel:  t.CubicleLabel,
		State:         t.State,
		PriorityLevel: t.PriorityLevel,
		Seq:           t.Seq,
		IssuedAt:      t.CreatedAt,
		UpdatedAt:     t.LastChangedAt(),
	}
}

// LastChangedAt returns the most recent lifecycle timestamp of the ticket.
func (t Ticket) LastChangedAt() time.Time {
	latest := t.CreatedAt
	for _, ts := range []*time.Time{t.CalledAt, t.AttendedAt, t.FinishedAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	return latest
}

func (t Ticket) OwnedBy(cubicleID string) bool {
	return t.CubicleID != nil && cubicleID != "" && *t.CubicleID == cubicleID
}

func (t Ticket) Clone() Ticket {
	out := t
	out.CubicleID = cloneString(t.CubicleID)
	out.AttendantID = cloneString(t.AttendantID)
	out.CalledAt = cloneTime(t.CalledAt)
	out.AttendedAt = cloneTime(t.AttendedAt)
	out.FinishedAt = cloneTime(t.FinishedAt)
	return out
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
