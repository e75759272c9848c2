package store

import (
	"errors"
	"testing"
	"time"

	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/models"
)

func buildChain(t *testing.T) []TicketEvent {
	t.Helper()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ticket := models.Ticket{TicketID: "t-1", Code: "A-001", State: models.StateWaiting, CreatedAt: base}
	actor := lifecycle.Actor{CubicleID: "c-1"}

	var events []TicketEvent
	first, err := NewTicketEvent(nil, lifecycle.ActionIssue, ticket, base)
	if err != nil {
		t.Fatalf("issue event: %v", err)
	}
	events = append(events, first)
	for i, action := range []lifecycle.Action{lifecycle.ActionCall, lifecycle.ActionBeginAttend, lifecycle.ActionFinish} {
		at := base.Add(time.Duration(i+1) * time.Minute)
		ticket, err = lifecycle.Apply(ticket, action, actor, at)
		if err != nil {
			t.Fatalf("%s: %v", action, err)
		}
		ev, err := NewTicketEvent(&events[len(events)-1], action, ticket, at)
		if err != nil {
			t.Fatalf("%s event: %v", action, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestTicketEventChain(t *testing.T) {
	events := buildChain(t)
	if err := VerifyTicketEvents(events); err != nil {
		t.Fatalf("verify: %v", err)
	}
	ticket, err := RehydrateTicket(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if ticket.State != models.StateFinished || ticket.FinishedAt == nil || !ticket.OwnedBy("c-1") {
		t.Fatalf("unexpected rehydrated ticket: %+v", ticket)
	}

	events[2].Payload = []byte(`{"ticket_id":"t-1","state":"finished"}`)
	if err := VerifyTicketEvents(events); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected broken chain, got %v", err)
	}
}

func TestRehydrateRejectsIllegalHistory(t *testing.T) {
	events := buildChain(t)
	// drop the call so begin_attend follows a waiting ticket
	bad := append([]TicketEvent{events[0]}, events[2:]...)
	if _, err := RehydrateTicket(bad); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
}

func TestPickNextOrdering(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tickets := []models.Ticket{
		{TicketID: "a", State: models.StateWaiting, PriorityLevel: 10, CreatedAt: base, Seq: 1, ServiceID: "s1"},
		{TicketID: "b", State: models.StateWaiting, PriorityLevel: 0, CreatedAt: base.Add(time.Second), Seq: 2, ServiceID: "s1"},
		{TicketID: "c", State: models.StateWaiting, PriorityLevel: 10, CreatedAt: base.Add(2 * time.Second), Seq: 3, ServiceID: "s2"},
		{TicketID: "d", State: models.StateCalled, PriorityLevel: 0, CreatedAt: base, Seq: 0, ServiceID: "s1"},
	}

	var order []string
	pending := append([]models.Ticket(nil), tickets...)
	for {
		next, ok := PickNext(pending, nil)
		if !ok {
			break
		}
		order = append(order, next.TicketID)
		for i := range pending {
			if pending[i].TicketID == next.TicketID {
				pending[i].State = models.StateCalled
			}
		}
	}
	if len(order) != 3 || order[0] != "b" || order[1] != "a" || order[2] != "c" {
		t.Fatalf("order=%v, want [b a c]", order)
	}

	if next, ok := PickNext(tickets, []string{"s2"}); !ok || next.TicketID != "c" {
		t.Fatalf("service filter picked %+v", next)
	}
}

func TestPickNextSameInstantUsesSeq(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tickets := []models.Ticket{
		{TicketID: "late", State: models.StateWaiting, CreatedAt: base, Seq: 8},
		{TicketID: "early", State: models.StateWaiting, CreatedAt: base, Seq: 7},
	}
	if next, _ := PickNext(tickets, nil); next.TicketID != "early" {
		t.Fatalf("picked %s, want early", next.TicketID)
	}
}

func TestFormatTicketCode(t *testing.T) {
	if got := FormatTicketCode("A", 7); got != "A-007" {
		t.Fatalf("got %s", got)
	}
	if got := FormatTicketCode("CG", 1234); got != "CG-1234" {
		t.Fatalf("got %s", got)
	}
}
