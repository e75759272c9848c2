package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/layneker8/soft-turnos/internal/models"
)

type Envelope struct {
	Event  string          `json:"event"`
	SiteID string          `json:"site_id"`
	Data   json.RawMessage `json:"data"`
}

func EncodeEvent(siteID string, ev Event) ([]byte, error) {
	var data interface{} = ev.Ticket
	if ev.Kind == EventInitialState {
		snapshot := ev.Snapshot
		if snapshot == nil {
			snapshot = []models.DisplayTicket{}
		}
		data = snapshot
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: ev.Kind.String(), SiteID: siteID, Data: raw})
}

// DecodeEvent parses one realtime message. ok is false for well-formed
// messages with an event name this build does not know.
func DecodeEvent(payload []byte) (siteID string, ev Event, ok bool, err error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", Event{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	kind, known := ParseEventKind(env.Event)
	if !known {
		return env.SiteID, Event{}, false, nil
	}
	ev.Kind = kind
	if kind == EventInitialState {
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &ev.Snapshot); err != nil {
				return env.SiteID, Event{}, false, fmt.Errorf("decode %s: %w", env.Event, err)
			}
		}
		return env.SiteID, ev, true, nil
	}
	if err := json.Unmarshal(env.Data, &ev.Ticket); err != nil {
		return env.SiteID, Event{}, false, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	if ev.Ticket.TicketID == "" && ev.Ticket.Code == "" {
		return env.SiteID, Event{}, false, errors.New("event without ticket identity")
	}
	return env.SiteID, ev, true, nil
}

const (
	CommandJoinSite  = "join-site"
	CommandLeaveSite = "leave-site"
)

type SiteCommand struct {
	Action string `json:"action"`
	SiteID string `json:"site_id"`
}

func EncodeSiteCommand(action, siteID string) []byte {
	raw, _ := json.Marshal(SiteCommand{Action: action, SiteID: siteID})
	return raw
}

func ParseSiteCommand(data []byte) (SiteCommand, bool) {
	var msg SiteCommand
	if err := json.Unmarshal(data, &msg); err != nil {
		return SiteCommand{}, false
	}
	msg.SiteID = strings.TrimSpace(msg.SiteID)
	if msg.Action != CommandJoinSite && msg.Action != CommandLeaveSite {
		return SiteCommand{}, false
	}
	if msg.SiteID == "" {
		return SiteCommand{}, false
	}
	return msg, true
}
