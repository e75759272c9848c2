package store

import (
	"context"
	"time"

	"github.com/layneker8/soft-turnos/internal/models"
)

type IssueTicketInput struct {
	RequestID      string
	SiteID         string
	ServiceID      string
	PriorityID     string
	Notes          string
	AppointmentRef string
	CreatedAt      time.Time
}

type CallNextInput struct {
	RequestID   string
	SiteID      string
	CubicleID   string
	AttendantID string
	CalledAt    time.Time
}

type TicketActionInput struct {
	RequestID   string
	SiteID      string
	TicketID    string
	CubicleID   string
	AttendantID string
	ReasonID    string
	Notes       string
	// Override allows cancelling a ticket bound to another cubicle.
	Override   bool
	OccurredAt time.Time
}

type CubicleInput struct {
	RequestID   string
	SiteID      string
	CubicleID   string
	AttendantID string
	OccurredAt  time.Time
}

type PauseInput struct {
	RequestID   string
	SiteID      string
	CubicleID   string
	AttendantID string
	ReasonID    string
	Description string
	OccurredAt  time.Time
}

// TicketStore is the authoritative owner of tickets, attendant sessions and
// the outbox. The bool returned by ticket actions is false when the request id
// was already applied and the stored result is being replayed.
type TicketStore interface {
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, siteID, ticketID string) (models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	RecallTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	BeginAttend(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	FinishTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	SnapshotTickets(ctx context.Context, siteID string) ([]models.Ticket, error)
	ListTicketEvents(ctx context.Context, siteID, ticketID string) ([]TicketEvent, error)

	ListCubicles(ctx context.Context, siteID string) ([]models.Cubicle, error)
	SelectCubicle(ctx context.Context, input CubicleInput) (models.AttendantSession, error)
	ReleaseCubicle(ctx context.Context, input CubicleInput) error
	GetActiveSession(ctx context.Context, siteID, attendantID string) (models.ActiveSession, error)
	PauseSession(ctx context.Context, input PauseInput) (models.PauseRecord, error)
	ResumeSession(ctx context.Context, input CubicleInput) (models.PauseRecord, error)

	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]OutboxEvent, error)
	GetRelayOffset(ctx context.Context, name string) (int64, error)
	SaveRelayOffset(ctx context.Context, name string, seq int64) error
}

// OutboxEvent is a committed transition waiting to be relayed to site rooms.
// Seq is assigned at commit and strictly increasing.
type OutboxEvent struct {
	Seq       int64                `json:"seq"`
	EventID   string               `json:"event_id"`
	SiteID    string               `json:"site_id"`
	Type      string               `json:"type"`
	Ticket    models.DisplayTicket `json:"ticket"`
	CreatedAt time.Time            `json:"created_at"`
}
