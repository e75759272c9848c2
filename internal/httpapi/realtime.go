package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/sirupsen/logrus"

	"github.com/layneker8/soft-turnos/internal/hub"
	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
)

const (
	closeJoinFailed = 4500
	closeEvicted    = 4501
	joinTimeout     = 5 * time.Second
	sendBuffer      = 64
)

// SiteSnapshot adapts a ticket store to the hub's snapshot loader.
func SiteSnapshot(st store.TicketStore) hub.SnapshotFunc {
	return func(ctx context.Context, siteID string) ([]models.DisplayTicket, error) {
		tickets, err := st.SnapshotTickets(ctx, siteID)
		if err != nil {
			return nil, err
		}
		return displayTickets(tickets), nil
	}
}

// RealtimeHandler serves site rooms over SockJS under prefix, plus the raw
// websocket endpoint at prefix+"/websocket" used by the Go clients. Clients
// send join-site/leave-site commands and receive realtime envelopes.
func RealtimeHandler(prefix string, h *hub.Hub, log logrus.FieldLogger) http.Handler {
	opts := sockjs.DefaultOptions
	opts.RawWebsocket = true
	return sockjs.NewHandler(prefix, opts, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
		clientLog := log.WithField("client_id", client.ID)
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
			// Send is closed on unregister or when the hub evicts a slow
			// client; either way the session ends and the client rejoins.
			_ = session.Close(closeEvicted, "realtime session ended")
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			cmd, ok := lifecycle.ParseSiteCommand([]byte(msg))
			if !ok {
				clientLog.WithField("message", msg).Debug("ignore unknown realtime command")
				continue
			}
			switch cmd.Action {
			case lifecycle.CommandJoinSite:
				ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
				err := h.Join(ctx, client, cmd.SiteID)
				cancel()
				if err != nil {
					clientLog.WithError(err).WithField("site_id", cmd.SiteID).Warn("join failed")
					_ = session.Close(closeJoinFailed, "snapshot unavailable")
					return
				}
				clientLog.WithField("site_id", cmd.SiteID).Debug("joined site")
			case lifecycle.CommandLeaveSite:
				h.Leave(client, cmd.SiteID)
			}
		}
	})
}
