package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/models"
)

// TicketEvent is one entry of a ticket's audit log. Type is the lifecycle
// action and Payload the full ticket after it. Each entry hashes the previous
// one so tampering breaks the chain.
type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NewTicketEvent builds the next chain entry after prev (nil for the first).
func NewTicketEvent(prev *TicketEvent, action lifecycle.Action, ticket models.Ticket, at time.Time) (TicketEvent, error) {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return TicketEvent{}, err
	}
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TicketSeq + 1
		prevHash = prev.Hash
	}
	at = at.UTC()
	return TicketEvent{
		TicketID:  ticket.TicketID,
		TicketSeq: seq,
		Type:      string(action),
		Payload:   payload,
		CreatedAt: at,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticket.TicketID, string(action), payload, at, seq),
	}, nil
}

func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrChainBroken, event.TicketSeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrChainBroken, event.TicketSeq)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if want != event.Hash {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrChainBroken, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket replays the audit log and checks every recorded action was a
// legal transition from the state before it.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		action := lifecycle.Action(event.Type)
		if !lifecycle.ValidTransition(action, ticket.State) {
			return models.Ticket{}, fmt.Errorf("rehydrate seq %d: %s from %q: %w", event.TicketSeq, action, ticket.State, ErrChainBroken)
		}
		var next models.Ticket
		if err := json.Unmarshal(event.Payload, &next); err != nil {
			return models.Ticket{}, err
		}
		if want, _ := lifecycle.NextState(action); next.State != want {
			return models.Ticket{}, fmt.Errorf("rehydrate seq %d: state %q after %s: %w", event.TicketSeq, next.State, action, ErrChainBroken)
		}
		ticket = next
	}
	return ticket, nil
}
