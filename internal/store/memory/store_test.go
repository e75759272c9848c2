package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
)

const site = "site-1"

func newTestStore() (*Store, *clock.FakeClock) {
	c := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	return New(store.DemoCatalog(), c), c
}

func issue(t *testing.T, s *Store, priority, requestID string) models.Ticket {
	t.Helper()
	ticket, created, err := s.IssueTicket(context.Background(), store.IssueTicketInput{
		RequestID:  requestID,
		SiteID:     site,
		ServiceID:  "svc-general",
		PriorityID: priority,
	})
	if err != nil || !created {
		t.Fatalf("issue: created=%v err=%v", created, err)
	}
	return ticket
}

func bind(t *testing.T, s *Store, cubicle, attendant string) {
	t.Helper()
	if _, err := s.SelectCubicle(context.Background(), store.CubicleInput{SiteID: site, CubicleID: cubicle, AttendantID: attendant}); err != nil {
		t.Fatalf("select %s: %v", cubicle, err)
	}
}

func TestCallNextPriorityThenArrival(t *testing.T) {
	s, c := newTestStore()
	ctx := context.Background()
	first := issue(t, s, "prio-normal", "r1")
	c.Advance(time.Second)
	urgent := issue(t, s, "prio-preferential", "r2")
	c.Advance(time.Second)
	third := issue(t, s, "prio-normal", "r3")
	bind(t, s, "cub-1", "u-1")

	want := []string{urgent.TicketID, first.TicketID, third.TicketID}
	for i, id := range want {
		got, _, err := s.CallNext(ctx, store.CallNextInput{RequestID: "call-" + id, SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if got.TicketID != id {
			t.Fatalf("call %d picked %s (%s), want %s", i, got.TicketID, got.Code, id)
		}
		if got.CubicleLabel != "Puesto 1" || got.State != models.StateCalled {
			t.Fatalf("unexpected called ticket %+v", got)
		}
		c.Advance(time.Second)
		if _, _, err := s.BeginAttend(ctx, store.TicketActionInput{SiteID: site, TicketID: id, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil {
			t.Fatalf("attend %d: %v", i, err)
		}
		if _, _, err := s.FinishTicket(ctx, store.TicketActionInput{SiteID: site, TicketID: id, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil {
			t.Fatalf("finish %d: %v", i, err)
		}
	}

	_, _, err := s.CallNext(ctx, store.CallNextInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"})
	if !errors.Is(err, apierr.ErrQueueEmpty) {
		t.Fatalf("expected queue empty, got %v", err)
	}
}

func TestCallNextRefusedWhileBusyOrPaused(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	issue(t, s, "prio-normal", "r1")
	issue(t, s, "prio-normal", "r2")

	if _, _, err := s.CallNext(ctx, store.CallNextInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); !errors.Is(err, apierr.ErrCubicleUnavailable) {
		t.Fatalf("unbound cubicle should be unavailable, got %v", err)
	}
	bind(t, s, "cub-1", "u-1")
	if _, _, err := s.CallNext(ctx, store.CallNextInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, _, err := s.CallNext(ctx, store.CallNextInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); !errors.Is(err, store.ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	bind(t, s, "cub-2", "u-2")
	if _, err := s.PauseSession(ctx, store.PauseInput{SiteID: site, CubicleID: "cub-2", AttendantID: "u-2", ReasonID: "break"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, _, err := s.CallNext(ctx, store.CallNextInput{SiteID: site, CubicleID: "cub-2", AttendantID: "u-2"}); !errors.Is(err, store.ErrSessionPaused) {
		t.Fatalf("expected ErrSessionPaused, got %v", err)
	}
}

func TestCubicleExclusivity(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	bind(t, s, "cub-1", "u-1")

	if _, err := s.SelectCubicle(ctx, store.CubicleInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-2"}); !errors.Is(err, apierr.ErrCubicleUnavailable) {
		t.Fatalf("second attendant should be refused, got %v", err)
	}
	if _, err := s.SelectCubicle(ctx, store.CubicleInput{SiteID: site, CubicleID: "cub-2", AttendantID: "u-1"}); !errors.Is(err, store.ErrAttendantBound) {
		t.Fatalf("attendant with a cubicle should be refused, got %v", err)
	}
	if sess, err := s.SelectCubicle(ctx, store.CubicleInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil || sess.CubicleID != "cub-1" {
		t.Fatalf("reselect by owner should be a no-op: %v", err)
	}
	if _, err := s.SelectCubicle(ctx, store.CubicleInput{SiteID: site, CubicleID: "nope", AttendantID: "u-3"}); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("unknown cubicle: %v", err)
	}

	cubicles, _ := s.ListCubicles(ctx, site)
	for _, cub := range cubicles {
		if cub.CubicleID == "cub-1" && !cub.Bound() {
			t.Fatalf("cub-1 should be bound")
		}
	}

	if err := s.ReleaseCubicle(ctx, store.CubicleInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	bind(t, s, "cub-1", "u-2")
}

func TestReleaseRefusedWithTicket(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	issue(t, s, "prio-normal", "r1")
	bind(t, s, "cub-1", "u-1")
	if _, _, err := s.CallNext(ctx, store.CallNextInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := s.ReleaseCubicle(ctx, store.CubicleInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); !errors.Is(err, apierr.ErrInvalidTransition) {
		t.Fatalf("expected release refusal, got %v", err)
	}
}

func TestPauseResumeRules(t *testing.T) {
	s, c := newTestStore()
	ctx := context.Background()
	bind(t, s, "cub-1", "u-1")
	in := store.CubicleInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}

	if _, err := s.ResumeSession(ctx, in); !errors.Is(err, store.ErrNotPaused) {
		t.Fatalf("resume while available: %v", err)
	}
	rec, err := s.PauseSession(ctx, store.PauseInput{RequestID: "p1", SiteID: site, CubicleID: "cub-1", AttendantID: "u-1", ReasonID: "lunch"})
	if err != nil || !rec.Open() {
		t.Fatalf("pause: %v %+v", err, rec)
	}
	again, err := s.PauseSession(ctx, store.PauseInput{RequestID: "p1", SiteID: site, CubicleID: "cub-1", AttendantID: "u-1", ReasonID: "lunch"})
	if err != nil || again.PauseID != rec.PauseID {
		t.Fatalf("replayed pause should return the same record: %v", err)
	}
	if _, err := s.PauseSession(ctx, store.PauseInput{RequestID: "p2", SiteID: site, CubicleID: "cub-1", AttendantID: "u-1", ReasonID: "break"}); !errors.Is(err, apierr.ErrInvalidTransition) {
		t.Fatalf("pause while paused: %v", err)
	}

	active, err := s.GetActiveSession(ctx, site, "u-1")
	if err != nil || active.Pause == nil || active.Session.State != models.SessionPaused {
		t.Fatalf("active session: %v %+v", err, active)
	}

	c.Advance(10 * time.Minute)
	closed, err := s.ResumeSession(ctx, in)
	if err != nil || closed.Open() || closed.EndedAt.Sub(closed.StartedAt) != 10*time.Minute {
		t.Fatalf("resume: %v %+v", err, closed)
	}
}

func TestRequestReplayAndOutbox(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	ticket := issue(t, s, "prio-normal", "r1")
	replay, created, err := s.IssueTicket(ctx, store.IssueTicketInput{RequestID: "r1", SiteID: site, ServiceID: "svc-general", PriorityID: "prio-normal"})
	if err != nil || created || replay.TicketID != ticket.TicketID {
		t.Fatalf("replayed issue: created=%v err=%v", created, err)
	}

	bind(t, s, "cub-1", "u-1")
	in := store.TicketActionInput{SiteID: site, TicketID: ticket.TicketID, CubicleID: "cub-1", AttendantID: "u-1"}
	if _, _, err := s.CallNext(ctx, store.CallNextInput{RequestID: "c1", SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	in.RequestID = "a1"
	if _, _, err := s.BeginAttend(ctx, in); err != nil {
		t.Fatalf("attend: %v", err)
	}
	in.RequestID = "f1"
	if _, applied, err := s.FinishTicket(ctx, in); err != nil || !applied {
		t.Fatalf("finish: %v", err)
	}
	if _, applied, err := s.FinishTicket(ctx, in); err != nil || applied {
		t.Fatalf("replayed finish should succeed without applying: applied=%v err=%v", applied, err)
	}
	in.RequestID = "f2"
	if _, _, err := s.FinishTicket(ctx, in); !errors.Is(err, apierr.ErrInvalidTransition) {
		t.Fatalf("new finish on finished ticket: %v", err)
	}

	events, err := s.ListOutboxEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{"created", "called", "attending", "finished"}
	if len(types) != len(want) {
		t.Fatalf("outbox types=%v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("outbox types=%v, want %v", types, want)
		}
	}

	history, _ := s.ListTicketEvents(ctx, site, ticket.TicketID)
	if err := store.VerifyTicketEvents(history); err != nil {
		t.Fatalf("audit chain: %v", err)
	}
	rebuilt, err := store.RehydrateTicket(history)
	if err != nil || rebuilt.State != models.StateFinished {
		t.Fatalf("rehydrate: %v %+v", err, rebuilt)
	}

	if err := s.SaveRelayOffset(ctx, "hub", events[1].Seq); err != nil {
		t.Fatalf("save offset: %v", err)
	}
	rest, _ := s.ListOutboxEvents(ctx, events[1].Seq, 10)
	if len(rest) != 2 || rest[0].Type != "attending" {
		t.Fatalf("events after offset: %+v", rest)
	}
	if off, _ := s.GetRelayOffset(ctx, "hub"); off != events[1].Seq {
		t.Fatalf("offset=%d", off)
	}
}

func TestCancelByOtherCubicleNeedsOverride(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	ticket := issue(t, s, "prio-normal", "r1")
	bind(t, s, "cub-1", "u-1")
	bind(t, s, "cub-2", "u-2")
	if _, _, err := s.CallNext(ctx, store.CallNextInput{SiteID: site, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil {
		t.Fatalf("call: %v", err)
	}

	in := store.TicketActionInput{SiteID: site, TicketID: ticket.TicketID, CubicleID: "cub-2", AttendantID: "u-2", ReasonID: "no-show"}
	if _, _, err := s.CancelTicket(ctx, in); !errors.Is(err, apierr.ErrInvalidTransition) {
		t.Fatalf("foreign cancel: %v", err)
	}
	in.Override = true
	got, _, err := s.CancelTicket(ctx, in)
	if err != nil || got.State != models.StateCancelled || got.CancelReasonID != "no-show" {
		t.Fatalf("override cancel: %v %+v", err, got)
	}
	active, _ := s.GetActiveSession(ctx, site, "u-1")
	if active.Session.CurrentTicketID != nil || active.Session.State != models.SessionAvailable {
		t.Fatalf("owning session not freed: %+v", active.Session)
	}
	snapshot, _ := s.SnapshotTickets(ctx, site)
	if len(snapshot) != 0 {
		t.Fatalf("terminal ticket in snapshot: %+v", snapshot)
	}
}
