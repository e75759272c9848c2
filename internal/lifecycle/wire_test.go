package lifecycle

import (
	"testing"
	"time"

	"github.com/layneker8/soft-turnos/internal/models"
)

func TestEncodeDecodeTicketEvent(t *testing.T) {
	ticket := models.DisplayTicket{
		TicketID:     "t-1",
		Code:         "A-001",
		CubicleLabel: "Puesto 3",
		State:        models.StateCalled,
		UpdatedAt:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	payload, err := EncodeEvent("site-1", Event{Kind: EventCalled, Ticket: ticket})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	siteID, ev, ok, err := DecodeEvent(payload)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if siteID != "site-1" || ev.Kind != EventCalled || ev.Ticket.Code != "A-001" || ev.Ticket.CubicleLabel != "Puesto 3" {
		t.Fatalf("unexpected decode: %s %+v", siteID, ev)
	}
}

func TestDecodeInitialState(t *testing.T) {
	payload, err := EncodeEvent("site-1", Event{Kind: EventInitialState})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, ev, ok, err := DecodeEvent(payload)
	if err != nil || !ok || ev.Kind != EventInitialState || len(ev.Snapshot) != 0 {
		t.Fatalf("unexpected initial-state decode: %+v ok=%v err=%v", ev, ok, err)
	}
}

func TestDecodeUnknownEventIsIgnored(t *testing.T) {
	_, _, ok, err := DecodeEvent([]byte(`{"event":"ticket.transferred","site_id":"s","data":{"id":"x"}}`))
	if err != nil || ok {
		t.Fatalf("unknown event should be ok=false without error, got ok=%v err=%v", ok, err)
	}
	if _, _, _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for garbage payload")
	}
	if _, _, _, err := DecodeEvent([]byte(`{"event":"called","data":{}}`)); err == nil {
		t.Fatalf("expected error for event without identity")
	}
}

func TestParseSiteCommand(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{`{"action":"join-site","site_id":"s-1"}`, true},
		{`{"action":"leave-site","site_id":" s-1 "}`, true},
		{`{"action":"join-site"}`, false},
		{`{"action":"subscribe","site_id":"s-1"}`, false},
		{`[]`, false},
	}
	for _, tc := range cases {
		msg, ok := ParseSiteCommand([]byte(tc.raw))
		if ok != tc.ok {
			t.Fatalf("ParseSiteCommand(%s) ok=%v, want %v", tc.raw, ok, tc.ok)
		}
		if ok && msg.SiteID != "s-1" {
			t.Fatalf("site id not trimmed: %q", msg.SiteID)
		}
	}
	if got, ok := ParseSiteCommand(EncodeSiteCommand(CommandJoinSite, "s-1")); !ok || got.Action != CommandJoinSite {
		t.Fatalf("round trip failed: %+v", got)
	}
}

func TestActionEventPairs(t *testing.T) {
	for _, action := range []Action{ActionCall, ActionRecall, ActionBeginAttend, ActionFinish, ActionCancel} {
		kind := EventForAction(action)
		back, ok := ActionForEvent(kind)
		if !ok || back != action {
			t.Fatalf("action %s -> %s -> %s", action, kind, back)
		}
	}
	if _, ok := ParseEventKind("initial-state"); !ok {
		t.Fatalf("initial-state should parse")
	}
}
