// Package hub multiplexes site rooms on the server. A client joining a room
// first receives an initial-state snapshot and then every broadcast for that
// site, in order. A client that cannot keep up is evicted rather than shown a
// gap: its Send channel is closed and it has to reconnect and rejoin.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/models"
)

// maxPending bounds what is buffered for a member while its snapshot loads.
const maxPending = 256

type Client struct {
	ID   string
	Send chan []byte
}

// Snapshotter loads the non-terminal tickets of a site.
type Snapshotter interface {
	Snapshot(ctx context.Context, siteID string) ([]models.DisplayTicket, error)
}

type SnapshotFunc func(ctx context.Context, siteID string) ([]models.DisplayTicket, error)

func (f SnapshotFunc) Snapshot(ctx context.Context, siteID string) ([]models.DisplayTicket, error) {
	return f(ctx, siteID)
}

type member struct {
	client  *Client
	ready   bool
	pending [][]byte
}

type Hub struct {
	mu        sync.Mutex
	clients   map[string]*Client
	rooms     map[string]map[string]*member
	snapshots Snapshotter
	log       logrus.FieldLogger
}

func New(snapshots Snapshotter, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients:   make(map[string]*Client),
		rooms:     make(map[string]map[string]*member),
		snapshots: snapshots,
		log:       log,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes the client from every room and closes its Send channel.
// It does nothing for a client that was already evicted.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked(client)
}

func (h *Hub) evictLocked(client *Client) {
	if h.clients[client.ID] != client {
		return
	}
	delete(h.clients, client.ID)
	for siteID, room := range h.rooms {
		delete(room, client.ID)
		if len(room) == 0 {
			delete(h.rooms, siteID)
		}
	}
	close(client.Send)
}

// Join adds the client to a site room and delivers the initial-state
// snapshot. Broadcasts arriving while the snapshot loads are queued and sent
// right after it. Joining a room the client is already in does nothing.
func (h *Hub) Join(ctx context.Context, client *Client, siteID string) error {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return fmt.Errorf("join %s: client %s not registered", siteID, client.ID)
	}
	room := h.rooms[siteID]
	if room == nil {
		room = make(map[string]*member)
		h.rooms[siteID] = room
	}
	if _, joined := room[client.ID]; joined {
		h.mu.Unlock()
		return nil
	}
	m := &member{client: client}
	room[client.ID] = m
	h.mu.Unlock()

	snapshot, err := h.snapshots.Snapshot(ctx, siteID)
	var payload []byte
	if err == nil {
		payload, err = lifecycle.EncodeEvent(siteID, lifecycle.Event{Kind: lifecycle.EventInitialState, Snapshot: snapshot})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if current := h.rooms[siteID]; current == nil || current[client.ID] != m {
		return nil
	}
	if err != nil {
		h.removeLocked(siteID, client.ID)
		return fmt.Errorf("join %s: %w", siteID, err)
	}
	if !h.sendLocked(client, payload) {
		return nil
	}
	for _, queued := range m.pending {
		if !h.sendLocked(client, queued) {
			return nil
		}
	}
	m.pending = nil
	m.ready = true
	return nil
}

// Leave stops deliveries for one room. The client stays registered.
func (h *Hub) Leave(client *Client, siteID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(siteID, client.ID)
}

func (h *Hub) Broadcast(siteID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.rooms[siteID] {
		if !m.ready {
			if len(m.pending) >= maxPending {
				h.log.WithFields(logrus.Fields{"client_id": m.client.ID, "site_id": siteID}).Warn("evict joining client with full queue")
				h.evictLocked(m.client)
				continue
			}
			m.pending = append(m.pending, payload)
			continue
		}
		h.sendLocked(m.client, payload)
	}
}

func (h *Hub) Members(siteID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[siteID])
}

func (h *Hub) removeLocked(siteID, clientID string) {
	room := h.rooms[siteID]
	if room == nil {
		return
	}
	delete(room, clientID)
	if len(room) == 0 {
		delete(h.rooms, siteID)
	}
}

// sendLocked reports false when the client was evicted for a full buffer.
func (h *Hub) sendLocked(client *Client, payload []byte) bool {
	select {
	case client.Send <- payload:
		return true
	default:
		h.log.WithField("client_id", client.ID).Warn("evict slow client")
		h.evictLocked(client)
		return false
	}
}
