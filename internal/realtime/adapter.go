// Package realtime keeps the process's single connection to the site room
// server. It reconnects forever with bounded backoff, replays joined rooms
// after each reconnect and dispatches typed events to subscribers.
package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/logger"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is one transport connection carrying text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler receives events for the rooms the adapter has joined. Handlers run
// one at a time on the adapter goroutine.
type Handler func(siteID string, ev lifecycle.Event)

type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Clock          clock.Clock
	Log            logrus.FieldLogger
}

var ErrEmptySite = errors.New("realtime: empty site id")

type subscription struct {
	kind    lifecycle.EventKind
	all     bool
	handler Handler
}

type Adapter struct {
	dialer  Dialer
	clock   clock.Clock
	log     logrus.FieldLogger
	initial time.Duration
	max     time.Duration

	mu        sync.Mutex
	state     State
	conn      Conn
	rooms     map[string]struct{}
	subs      map[int]subscription
	watchers  map[int]func(State)
	nextID    int
	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

func New(d Dialer, opts Options) *Adapter {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	return &Adapter{
		dialer:   d,
		clock:    opts.Clock,
		log:      opts.Log,
		initial:  opts.InitialBackoff,
		max:      opts.MaxBackoff,
		rooms:    make(map[string]struct{}),
		subs:     make(map[int]subscription),
		watchers: make(map[int]func(State)),
		done:     make(chan struct{}),
	}
}

// Start launches the connection loop. Calling it again does nothing.
func (a *Adapter) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		go func() {
			defer close(a.done)
			a.run(ctx)
		}()
	})
}

// Close stops the loop and waits for it to exit.
func (a *Adapter) Close() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-a.done
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// JoinSite records interest in a site room and, when connected, sends the
// join command. Joining a room already joined does nothing.
func (a *Adapter) JoinSite(siteID string) error {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return ErrEmptySite
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rooms[siteID]; ok {
		return nil
	}
	a.rooms[siteID] = struct{}{}
	if a.conn != nil {
		a.sendLocked(a.conn, lifecycle.CommandJoinSite, siteID)
	}
	return nil
}

// LeaveSite drops interest in a room. Events already in flight for it are
// discarded on arrival.
func (a *Adapter) LeaveSite(siteID string) {
	siteID = strings.TrimSpace(siteID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rooms[siteID]; !ok {
		return
	}
	delete(a.rooms, siteID)
	if a.conn != nil {
		a.sendLocked(a.conn, lifecycle.CommandLeaveSite, siteID)
	}
}

func (a *Adapter) Rooms() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.rooms))
	for siteID := range a.rooms {
		out = append(out, siteID)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers handler for one event kind and returns its cancel func.
func (a *Adapter) Subscribe(kind lifecycle.EventKind, handler Handler) func() {
	return a.addSub(subscription{kind: kind, handler: handler})
}

// SubscribeAll registers handler for every known event kind.
func (a *Adapter) SubscribeAll(handler Handler) func() {
	return a.addSub(subscription{all: true, handler: handler})
}

// OnStateChange registers fn for connection state changes.
func (a *Adapter) OnStateChange(fn func(State)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.watchers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.watchers, id)
	}
}

func (a *Adapter) addSub(sub subscription) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.subs[id] = sub
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs, id)
	}
}

func (a *Adapter) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.initial
	bo.MaxInterval = a.max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		a.setState(Connecting)
		conn, err := a.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.setState(Disconnected)
				return
			}
			a.setState(Disconnected)
			wait := bo.NextBackOff()
			a.log.WithError(err).WithField("retry_in", wait).Warn("realtime connect failed")
			if !a.sleep(ctx, wait) {
				return
			}
			continue
		}
		bo.Reset()
		a.attach(conn)
		a.readLoop(ctx, conn)
		a.detach(conn)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		a.log.WithField("retry_in", wait).Warn("realtime connection lost")
		if !a.sleep(ctx, wait) {
			return
		}
	}
}

func (a *Adapter) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-a.clock.After(d):
		return true
	}
}

// attach makes conn current and replays every joined room on it.
func (a *Adapter) attach(conn Conn) {
	a.mu.Lock()
	a.conn = conn
	rooms := make([]string, 0, len(a.rooms))
	for siteID := range a.rooms {
		rooms = append(rooms, siteID)
	}
	sort.Strings(rooms)
	for _, siteID := range rooms {
		a.sendLocked(conn, lifecycle.CommandJoinSite, siteID)
	}
	a.mu.Unlock()
	a.log.WithField("rooms", rooms).Info("realtime connected")
	a.setState(Connected)
}

func (a *Adapter) detach(conn Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	_ = conn.Close()
	a.setState(Disconnected)
}

func (a *Adapter) readLoop(ctx context.Context, conn Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		a.dispatch(raw)
	}
}

func (a *Adapter) dispatch(raw []byte) {
	siteID, ev, ok, err := lifecycle.DecodeEvent(raw)
	if err != nil {
		a.log.WithError(err).Warn("realtime: undecodable message")
		return
	}
	if !ok {
		a.log.Debug("realtime: ignore unknown event")
		return
	}

	a.mu.Lock()
	_, joined := a.rooms[siteID]
	var handlers []Handler
	if joined {
		ids := make([]int, 0, len(a.subs))
		for id := range a.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			sub := a.subs[id]
			if sub.all || sub.kind == ev.Kind {
				handlers = append(handlers, sub.handler)
			}
		}
	}
	a.mu.Unlock()

	for _, h := range handlers {
		h(siteID, ev)
	}
}

func (a *Adapter) sendLocked(conn Conn, action, siteID string) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(lifecycle.EncodeSiteCommand(action, siteID)); err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{"action": action, "site_id": siteID}).Warn("realtime: send command failed")
	}
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	if a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	watchers := make([]func(State), 0, len(a.watchers))
	for _, fn := range a.watchers {
		watchers = append(watchers, fn)
	}
	a.mu.Unlock()
	for _, fn := range watchers {
		fn(s)
	}
}
