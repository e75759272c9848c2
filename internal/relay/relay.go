// Package relay moves committed outbox events to the realtime side: site
// rooms, other server replicas and the announcement channel.
package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/hub"
	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
)

const DefaultOffsetName = "hub"

// Message is one outbox event ready for delivery. Payload is the encoded
// realtime envelope.
type Message struct {
	Seq     int64
	SiteID  string
	Kind    lifecycle.EventKind
	Ticket  models.DisplayTicket
	Payload []byte
}

type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// HubSink broadcasts straight into the local site rooms.
func HubSink(h *hub.Hub) Sink {
	return SinkFunc(func(ctx context.Context, msg Message) error {
		h.Broadcast(msg.SiteID, msg.Payload)
		return nil
	})
}

type bestEffort struct {
	Sink
}

// BestEffort marks a sink whose failures are logged and skipped. Failures of
// any other sink stop the batch and the event is retried on the next tick,
// so sinks must tolerate seeing an event twice.
func BestEffort(s Sink) Sink {
	return bestEffort{Sink: s}
}

type Source interface {
	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error)
	GetRelayOffset(ctx context.Context, name string) (int64, error)
	SaveRelayOffset(ctx context.Context, name string, seq int64) error
}

type Config struct {
	Name      string
	BatchSize int
	Timeout   time.Duration
}

type Relay struct {
	source  Source
	sinks   []Sink
	name    string
	batch   int
	timeout time.Duration
	log     logrus.FieldLogger

	offset  int64
	loaded  bool
	running int32
}

func New(source Source, cfg Config, log logrus.FieldLogger, sinks ...Sink) *Relay {
	if cfg.Name == "" {
		cfg.Name = DefaultOffsetName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Relay{
		source:  source,
		sinks:   sinks,
		name:    cfg.Name,
		batch:   cfg.BatchSize,
		timeout: cfg.Timeout,
		log:     log.WithField("relay", cfg.Name),
	}
}

// RunOnce relays one batch and returns how many events were delivered. It
// stops at the first event a required sink rejects and leaves the offset just
// before it. A call made while another is still running returns immediately.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&r.running, 0)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !r.loaded {
		offset, err := r.source.GetRelayOffset(ctx, r.name)
		if err != nil {
			return 0, fmt.Errorf("relay load offset: %w", err)
		}
		r.offset = offset
		r.loaded = true
	}

	events, err := r.source.ListOutboxEvents(ctx, r.offset, r.batch)
	if err != nil {
		return 0, fmt.Errorf("relay list outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	delivered := 0
	for _, event := range events {
		msg, err := encode(event)
		if err != nil {
			r.log.WithError(err).WithField("seq", event.Seq).Warn("skip undecodable outbox event")
			r.offset = event.Seq
			continue
		}
		if err := r.deliver(ctx, msg); err != nil {
			if saveErr := r.source.SaveRelayOffset(ctx, r.name, r.offset); saveErr != nil {
				r.log.WithError(saveErr).Warn("relay save offset")
			}
			return delivered, fmt.Errorf("relay deliver seq %d: %w", event.Seq, err)
		}
		r.offset = event.Seq
		delivered++
	}

	if err := r.source.SaveRelayOffset(ctx, r.name, r.offset); err != nil {
		return delivered, fmt.Errorf("relay save offset: %w", err)
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, msg Message) error {
	for _, sink := range r.sinks {
		err := sink.Deliver(ctx, msg)
		if err == nil {
			continue
		}
		fields := logrus.Fields{"seq": msg.Seq, "site_id": msg.SiteID}
		if _, ok := sink.(bestEffort); ok {
			r.log.WithError(err).WithFields(fields).Warn("best-effort sink delivery failed")
			continue
		}
		return err
	}
	return nil
}

// Start polls until ctx is done.
func (r *Relay) Start(ctx context.Context, interval time.Duration, c clock.Clock) {
	if interval <= 0 {
		interval = time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	ticker := c.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.WithError(err).Error("relay tick failed")
			}
		}
	}
}

func (r *Relay) Offset() int64 {
	return r.offset
}

func encode(event store.OutboxEvent) (Message, error) {
	kind, ok := lifecycle.ParseEventKind(event.Type)
	if !ok || kind == lifecycle.EventInitialState {
		return Message{}, fmt.Errorf("unknown event type %q", event.Type)
	}
	payload, err := lifecycle.EncodeEvent(event.SiteID, lifecycle.Event{Kind: kind, Ticket: event.Ticket})
	if err != nil {
		return Message{}, err
	}
	return Message{Seq: event.Seq, SiteID: event.SiteID, Kind: kind, Ticket: event.Ticket, Payload: payload}, nil
}
