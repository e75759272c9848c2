package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/models"
)

func staticSnapshot(tickets ...models.DisplayTicket) SnapshotFunc {
	return func(ctx context.Context, siteID string) ([]models.DisplayTicket, error) {
		return tickets, nil
	}
}

func recv(t *testing.T, c *Client) lifecycle.Event {
	t.Helper()
	select {
	case raw := <-c.Send:
		_, ev, ok, err := lifecycle.DecodeEvent(raw)
		if err != nil || !ok {
			t.Fatalf("decode %s: ok=%v err=%v", raw, ok, err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	return lifecycle.Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected message %s", raw)
	default:
	}
}

func ticketEvent(t *testing.T, kind lifecycle.EventKind, id string) []byte {
	t.Helper()
	raw, err := lifecycle.EncodeEvent("site-1", lifecycle.Event{Kind: kind, Ticket: models.DisplayTicket{TicketID: id, Code: id, State: models.StateWaiting}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestJoinDeliversSnapshotOnce(t *testing.T) {
	h := New(staticSnapshot(models.DisplayTicket{TicketID: "t-1", Code: "A-001", State: models.StateWaiting}), nil)
	c := &Client{ID: "c1", Send: make(chan []byte, 8)}
	h.Register(c)

	if err := h.Join(context.Background(), c, "site-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	ev := recv(t, c)
	if ev.Kind != lifecycle.EventInitialState || len(ev.Snapshot) != 1 || ev.Snapshot[0].Code != "A-001" {
		t.Fatalf("unexpected first event: %+v", ev)
	}

	if err := h.Join(context.Background(), c, "site-1"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	expectNothing(t, c)
	if h.Members("site-1") != 1 {
		t.Fatalf("members=%d", h.Members("site-1"))
	}
}

func TestBroadcastOnlyReachesRoom(t *testing.T) {
	h := New(staticSnapshot(), nil)
	a := &Client{ID: "a", Send: make(chan []byte, 8)}
	b := &Client{ID: "b", Send: make(chan []byte, 8)}
	h.Register(a)
	h.Register(b)
	if err := h.Join(context.Background(), a, "site-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := h.Join(context.Background(), b, "site-2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	recv(t, a)
	recv(t, b)

	h.Broadcast("site-1", ticketEvent(t, lifecycle.EventCreated, "t-1"))
	if ev := recv(t, a); ev.Kind != lifecycle.EventCreated {
		t.Fatalf("got %v", ev.Kind)
	}
	expectNothing(t, b)

	h.Leave(a, "site-1")
	h.Broadcast("site-1", ticketEvent(t, lifecycle.EventCreated, "t-2"))
	expectNothing(t, a)
}

func TestBroadcastDuringSnapshotIsQueued(t *testing.T) {
	release := make(chan struct{})
	loading := make(chan struct{})
	h := New(SnapshotFunc(func(ctx context.Context, siteID string) ([]models.DisplayTicket, error) {
		close(loading)
		<-release
		return nil, nil
	}), nil)
	c := &Client{ID: "c1", Send: make(chan []byte, 8)}
	h.Register(c)

	done := make(chan error, 1)
	go func() { done <- h.Join(context.Background(), c, "site-1") }()
	<-loading
	h.Broadcast("site-1", ticketEvent(t, lifecycle.EventCalled, "t-9"))
	expectNothing(t, c)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("join: %v", err)
	}

	if ev := recv(t, c); ev.Kind != lifecycle.EventInitialState {
		t.Fatalf("first event %v, want initial-state", ev.Kind)
	}
	if ev := recv(t, c); ev.Kind != lifecycle.EventCalled || ev.Ticket.TicketID != "t-9" {
		t.Fatalf("queued event not flushed: %+v", ev)
	}
}

func TestJoinSnapshotFailureLeavesRoom(t *testing.T) {
	h := New(SnapshotFunc(func(ctx context.Context, siteID string) ([]models.DisplayTicket, error) {
		return nil, errors.New("db down")
	}), nil)
	c := &Client{ID: "c1", Send: make(chan []byte, 8)}
	h.Register(c)
	if err := h.Join(context.Background(), c, "site-1"); err == nil {
		t.Fatal("expected join error")
	}
	if h.Members("site-1") != 0 {
		t.Fatalf("failed join left a member")
	}
}

func TestUnregisterCloses(t *testing.T) {
	h := New(staticSnapshot(), nil)
	c := &Client{ID: "c1", Send: make(chan []byte, 4)}
	h.Register(c)
	if err := h.Join(context.Background(), c, "site-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	h.Unregister(c)
	h.Unregister(c)
	if ev := recv(t, c); ev.Kind != lifecycle.EventInitialState {
		t.Fatalf("got %v", ev.Kind)
	}
	if _, open := <-c.Send; open {
		t.Fatal("send channel should be closed")
	}
	if err := h.Join(context.Background(), c, "site-1"); err == nil {
		t.Fatal("join after unregister should fail")
	}
}

func TestSlowClientIsEvicted(t *testing.T) {
	h := New(staticSnapshot(), nil)
	slow := &Client{ID: "slow", Send: make(chan []byte, 2)}
	fast := &Client{ID: "fast", Send: make(chan []byte, 8)}
	for _, c := range []*Client{slow, fast} {
		h.Register(c)
		if err := h.Join(context.Background(), c, "site-1"); err != nil {
			t.Fatalf("join %s: %v", c.ID, err)
		}
	}

	h.Broadcast("site-1", ticketEvent(t, lifecycle.EventCreated, "t-1"))
	h.Broadcast("site-1", ticketEvent(t, lifecycle.EventFinished, "t-1"))

	if h.Members("site-1") != 1 {
		t.Fatalf("members=%d, slow client should be gone", h.Members("site-1"))
	}
	var kinds []lifecycle.EventKind
	for raw := range slow.Send {
		_, ev, _, _ := lifecycle.DecodeEvent(raw)
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != lifecycle.EventInitialState || kinds[1] != lifecycle.EventCreated {
		t.Fatalf("slow client got %v before its channel closed", kinds)
	}
	for _, want := range []lifecycle.EventKind{lifecycle.EventInitialState, lifecycle.EventCreated, lifecycle.EventFinished} {
		if ev := recv(t, fast); ev.Kind != want {
			t.Fatalf("fast client got %v, want %v", ev.Kind, want)
		}
	}

	// the session teardown still calls Unregister; it must not close twice
	h.Unregister(slow)
	h.Broadcast("site-1", ticketEvent(t, lifecycle.EventCreated, "t-2"))

	again := &Client{ID: "slow", Send: make(chan []byte, 8)}
	h.Register(again)
	if err := h.Join(context.Background(), again, "site-1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if ev := recv(t, again); ev.Kind != lifecycle.EventInitialState {
		t.Fatalf("rejoin got %v", ev.Kind)
	}
}
