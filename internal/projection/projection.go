// Package projection derives a site's display feed from realtime events.
// The view is disposable: every initial-state replaces it and incremental
// events are folded in last-state-wins, with terminal states sticky.
package projection

import (
	"sort"
	"sync"
	"time"

	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/models"
)

const (
	DefaultCodeTombstoneTTL = 10 * time.Minute
	DefaultMaxTombstones    = 4096
)

type Options struct {
	// CodeTombstoneTTL bounds how long a terminal display code blocks a
	// ticket with the same code but another id. Codes are reused after a
	// daily reset, ids never are.
	CodeTombstoneTTL time.Duration
	MaxTombstones    int
	Clock            clock.Clock
}

// View is one render of the feed.
type View struct {
	Waiting []models.DisplayTicket `json:"waiting"`
	Serving []models.DisplayTicket `json:"serving"`
	Current *models.DisplayTicket  `json:"current,omitempty"`
}

type entry struct {
	ticket models.DisplayTicket
	// order is the local arrival counter of the last applied change; it breaks
	// recency ties between tickets stamped in the same instant.
	order uint64
}

type Projection struct {
	siteID string
	clock  clock.Clock
	ttl    time.Duration
	max    int

	mu        sync.Mutex
	entries   map[string]*entry
	order     uint64
	deadIDs   map[string]struct{}
	deadCodes map[string]time.Time
	deadOrder []string
}

// New builds an empty projection for one site. Events for other sites are
// ignored by Handle.
func New(siteID string, opts Options) *Projection {
	if opts.CodeTombstoneTTL <= 0 {
		opts.CodeTombstoneTTL = DefaultCodeTombstoneTTL
	}
	if opts.MaxTombstones <= 0 {
		opts.MaxTombstones = DefaultMaxTombstones
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Projection{
		siteID:    siteID,
		clock:     opts.Clock,
		ttl:       opts.CodeTombstoneTTL,
		max:       opts.MaxTombstones,
		entries:   make(map[string]*entry),
		deadIDs:   make(map[string]struct{}),
		deadCodes: make(map[string]time.Time),
	}
}

func (p *Projection) SiteID() string { return p.siteID }

// Handle has the realtime handler signature so a projection can subscribe
// directly to the adapter.
func (p *Projection) Handle(siteID string, ev lifecycle.Event) {
	if siteID != p.siteID {
		return
	}
	p.Apply(ev)
}

// Apply folds one event into the view and reports whether it changed.
func (p *Projection) Apply(ev lifecycle.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Kind == lifecycle.EventInitialState {
		p.reset(ev.Snapshot)
		return true
	}
	t := ev.Ticket
	if t.TicketID == "" && t.Code == "" {
		return false
	}
	if ev.Kind.Terminal() || isTerminalState(t.State) {
		return p.remove(t)
	}
	return p.upsert(t)
}

func (p *Projection) reset(snapshot []models.DisplayTicket) {
	p.entries = make(map[string]*entry, len(snapshot))
	// A fresh baseline makes earlier code tombstones moot; id tombstones stay
	// because ids are never reissued.
	for code := range p.deadCodes {
		delete(p.deadCodes, code)
	}
	for _, t := range snapshot {
		if isTerminalState(t.State) {
			continue
		}
		delete(p.deadIDs, t.TicketID)
		p.order++
		p.entries[keyOf(t)] = &entry{ticket: t, order: p.order}
	}
}

func (p *Projection) upsert(t models.DisplayTicket) bool {
	if p.tombstoned(t) {
		return false
	}
	key, cur := p.lookup(t)
	if cur != nil && !newer(t, cur.ticket) {
		return false
	}
	if cur != nil && key != keyOf(t) {
		delete(p.entries, key)
	}
	if cur != nil {
		t = merge(cur.ticket, t)
	}
	p.order++
	p.entries[keyOf(t)] = &entry{ticket: t, order: p.order}
	return true
}

func (p *Projection) remove(t models.DisplayTicket) bool {
	key, cur := p.lookup(t)
	if cur != nil {
		delete(p.entries, key)
		if t.TicketID == "" {
			t.TicketID = cur.ticket.TicketID
		}
		if t.Code == "" {
			t.Code = cur.ticket.Code
		}
	}
	p.bury(t)
	return cur != nil
}

// lookup finds the entry for t by id first and by display code second.
func (p *Projection) lookup(t models.DisplayTicket) (string, *entry) {
	if t.TicketID != "" {
		if e, ok := p.entries[t.TicketID]; ok {
			return t.TicketID, e
		}
	}
	if t.Code == "" {
		return "", nil
	}
	for key, e := range p.entries {
		if e.ticket.Code != t.Code {
			continue
		}
		// Two live ids can share a code only across a reset; never merge them.
		if t.TicketID != "" && e.ticket.TicketID != "" && e.ticket.TicketID != t.TicketID {
			continue
		}
		return key, e
	}
	return "", nil
}

func (p *Projection) tombstoned(t models.DisplayTicket) bool {
	if t.TicketID != "" {
		if _, ok := p.deadIDs[t.TicketID]; ok {
			return true
		}
	}
	if t.Code == "" {
		return false
	}
	until, ok := p.deadCodes[t.Code]
	if !ok {
		return false
	}
	if !p.clock.Now().Before(until) {
		delete(p.deadCodes, t.Code)
		return false
	}
	// A different live id with the same code is a reissued code, not a ghost.
	return t.TicketID == ""
}

func (p *Projection) bury(t models.DisplayTicket) {
	if t.TicketID != "" {
		if _, ok := p.deadIDs[t.TicketID]; !ok {
			p.deadIDs[t.TicketID] = struct{}{}
			p.deadOrder = append(p.deadOrder, t.TicketID)
		}
	}
	if t.Code != "" {
		p.deadCodes[t.Code] = p.clock.Now().Add(p.ttl)
	}
	for len(p.deadOrder) > p.max {
		delete(p.deadIDs, p.deadOrder[0])
		p.deadOrder = p.deadOrder[1:]
	}
	if len(p.deadCodes) > p.max {
		now := p.clock.Now()
		for code, until := range p.deadCodes {
			if !now.Before(until) {
				delete(p.deadCodes, code)
			}
		}
	}
}

// View renders the feed. Waiting is in service order, Serving most recent
// first, and Current is the head of Serving.
func (p *Projection) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()

	var waiting, serving []*entry
	for _, e := range p.entries {
		switch e.ticket.State {
		case models.StateWaiting:
			waiting = append(waiting, e)
		case models.StateCalled, models.StateAttending:
			serving = append(serving, e)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		a, b := waiting[i].ticket.QueueKey(), waiting[j].ticket.QueueKey()
		if a.Less(b) || b.Less(a) {
			return a.Less(b)
		}
		return waiting[i].ticket.Code < waiting[j].ticket.Code
	})
	sort.Slice(serving, func(i, j int) bool {
		a, b := serving[i], serving[j]
		if !a.ticket.UpdatedAt.Equal(b.ticket.UpdatedAt) {
			return a.ticket.UpdatedAt.After(b.ticket.UpdatedAt)
		}
		return a.order > b.order
	})

	v := View{
		Waiting: make([]models.DisplayTicket, 0, len(waiting)),
		Serving: make([]models.DisplayTicket, 0, len(serving)),
	}
	for _, e := range waiting {
		v.Waiting = append(v.Waiting, e.ticket)
	}
	for _, e := range serving {
		v.Serving = append(v.Serving, e.ticket)
	}
	if len(v.Serving) > 0 {
		current := v.Serving[0]
		v.Current = &current
	}
	return v
}

func (p *Projection) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func keyOf(t models.DisplayTicket) string {
	if t.TicketID != "" {
		return t.TicketID
	}
	return "code:" + t.Code
}

var stateRank = map[string]int{
	models.StateWaiting:   0,
	models.StateCalled:    1,
	models.StateAttending: 2,
}

func isTerminalState(state string) bool {
	return state == models.StateFinished || state == models.StateCancelled
}

// newer reports whether incoming should replace current. Unstamped events
// always apply; equal stamps never move a ticket backwards.
func newer(incoming, current models.DisplayTicket) bool {
	if incoming.UpdatedAt.IsZero() || current.UpdatedAt.IsZero() {
		return true
	}
	if incoming.UpdatedAt.After(current.UpdatedAt) {
		return true
	}
	if incoming.UpdatedAt.Before(current.UpdatedAt) {
		return false
	}
	return stateRank[incoming.State] >= stateRank[current.State]
}

// merge keeps fields a partial update left empty.
func merge(current, incoming models.DisplayTicket) models.DisplayTicket {
	if incoming.TicketID == "" {
		incoming.TicketID = current.TicketID
	}
	if incoming.Code == "" {
		incoming.Code = current.Code
	}
	if incoming.IssuedAt.IsZero() {
		incoming.IssuedAt = current.IssuedAt
	}
	if incoming.Seq == 0 {
		incoming.Seq = current.Seq
	}
	// A ticket keeps the priority it was issued with; partial updates omit it.
	if incoming.PriorityLevel == 0 {
		incoming.PriorityLevel = current.PriorityLevel
	}
	if incoming.CubicleLabel == "" && incoming.State != models.StateWaiting {
		incoming.CubicleLabel = current.CubicleLabel
	}
	if incoming.State == "" {
		incoming.State = current.State
	}
	return incoming
}
