package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/relay"
)

const AnnouncementQueue = "turnos.announcements"

// Announcement asks the voice side-channel to read a ticket out loud.
type Announcement struct {
	Event       string    `json:"event"`
	SiteID      string    `json:"site_id"`
	TicketID    string    `json:"ticket_id"`
	Code        string    `json:"code"`
	Cubicle     string    `json:"cubicle"`
	AnnouncedAt time.Time `json:"announced_at"`
}

// announcementFor reports whether msg should be announced.
func announcementFor(msg relay.Message) (Announcement, bool) {
	if msg.Kind != lifecycle.EventCalled && msg.Kind != lifecycle.EventRecalled {
		return Announcement{}, false
	}
	return Announcement{
		Event:       msg.Kind.String(),
		SiteID:      msg.SiteID,
		TicketID:    msg.Ticket.TicketID,
		Code:        msg.Ticket.Code,
		Cubicle:     msg.Ticket.CubicleLabel,
		AnnouncedAt: msg.Ticket.UpdatedAt,
	}, true
}

// Announcer publishes called and recalled tickets to a durable queue. The
// connection is opened lazily and re-dialled after a failed publish.
type Announcer struct {
	url   string
	queue string
	log   logrus.FieldLogger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAnnouncer(url string, log logrus.FieldLogger) *Announcer {
	if log == nil {
		log = logger.Discard()
	}
	return &Announcer{url: url, queue: AnnouncementQueue, log: log}
}

func (a *Announcer) Deliver(ctx context.Context, msg relay.Message) error {
	ann, ok := announcementFor(msg)
	if !ok {
		return nil
	}
	body, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("announce marshal: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.openLocked(); err != nil {
		return err
	}
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		a.closeLocked()
		return fmt.Errorf("announce publish: %w", err)
	}
	a.log.WithFields(logrus.Fields{"site_id": ann.SiteID, "code": ann.Code, "event": ann.Event}).Debug("announcement published")
	return nil
}

func (a *Announcer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
}

func (a *Announcer) openLocked() error {
	if a.ch != nil && !a.ch.IsClosed() {
		return nil
	}
	a.closeLocked()
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("announce dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("announce channel: %w", err)
	}
	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("announce queue declare: %w", err)
	}
	a.conn = conn
	a.ch = ch
	return nil
}

func (a *Announcer) closeLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}
