// Package memory is an in-process TicketStore for development and tests. It
// applies the same rules as the postgres store under one mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
)

type requestResult struct {
	ticketID string
	pauseID  string
	empty    bool
}

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	services   map[string]models.Service
	priorities map[string]models.Priority
	cubicles   map[string]models.Cubicle

	tickets  map[string]models.Ticket
	seq      int64
	counters map[string]int64
	sessions map[string]*models.AttendantSession
	pauses   map[string]models.PauseRecord
	requests map[string]requestResult
	events   map[string][]store.TicketEvent

	outbox    []store.OutboxEvent
	outboxSeq int64
	offsets   map[string]int64
}

var _ store.TicketStore = (*Store)(nil)

func New(cat store.Catalog, c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	s := &Store{
		clock:      c,
		services:   make(map[string]models.Service),
		priorities: make(map[string]models.Priority),
		cubicles:   make(map[string]models.Cubicle),
		tickets:    make(map[string]models.Ticket),
		counters:   make(map[string]int64),
		sessions:   make(map[string]*models.AttendantSession),
		pauses:     make(map[string]models.PauseRecord),
		requests:   make(map[string]requestResult),
		events:     make(map[string][]store.TicketEvent),
		offsets:    make(map[string]int64),
	}
	for _, svc := range cat.Services {
		s.services[svc.ServiceID] = svc
	}
	for _, p := range cat.Priorities {
		s.priorities[p.PriorityID] = p
	}
	for _, cub := range cat.Cubicles {
		cub.AttendantID = nil
		s.cubicles[cub.CubicleID] = cub
	}
	return s
}

func (s *Store) IssueTicket(_ context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, found, err := s.replayLocked(lifecycle.ActionIssue, input.RequestID); found {
		return t, false, err
	}
	svc, ok := s.services[input.ServiceID]
	if !ok || svc.SiteID != input.SiteID || !svc.Active {
		return models.Ticket{}, false, store.ErrServiceNotFound
	}
	prio, ok := s.priorities[input.PriorityID]
	if !ok {
		return models.Ticket{}, false, store.ErrPriorityNotFound
	}

	s.counters[svc.ServiceID]++
	s.seq++
	ticket := models.Ticket{
		TicketID:       uuid.NewString(),
		Code:           store.FormatTicketCode(svc.Code, s.counters[svc.ServiceID]),
		Seq:            s.seq,
		SiteID:         input.SiteID,
		ServiceID:      svc.ServiceID,
		PriorityID:     prio.PriorityID,
		PriorityLevel:  prio.Level,
		Notes:          input.Notes,
		AppointmentRef: input.AppointmentRef,
		RequestID:      input.RequestID,
	}
	at := s.stamp(input.CreatedAt)
	next, err := lifecycle.Apply(ticket, lifecycle.ActionIssue, lifecycle.Actor{}, at)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err := s.commitLocked(lifecycle.ActionIssue, next, input.RequestID, at); err != nil {
		return models.Ticket{}, false, err
	}
	return next, true, nil
}

func (s *Store) GetTicket(_ context.Context, siteID, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || t.SiteID != siteID {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return t.Clone(), nil
}

func (s *Store) CallNext(_ context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, found, err := s.replayLocked(lifecycle.ActionCall, input.RequestID); found {
		return t, false, err
	}
	sess, err := s.boundSessionLocked(input.SiteID, input.CubicleID, input.AttendantID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if sess.State == models.SessionPaused {
		return models.Ticket{}, false, store.ErrSessionPaused
	}
	if sess.CurrentTicketID != nil {
		return models.Ticket{}, false, store.ErrSessionBusy
	}

	candidates := make([]models.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		if t.SiteID == input.SiteID {
			candidates = append(candidates, t)
		}
	}
	ticket, ok := store.PickNext(candidates, sess.ServiceIDs)
	if !ok {
		s.rememberLocked(lifecycle.ActionCall, input.RequestID, requestResult{empty: true})
		return models.Ticket{}, false, store.ErrNoTicket
	}

	at := s.stamp(input.CalledAt)
	actor := lifecycle.Actor{CubicleID: sess.CubicleID, CubicleLabel: sess.CubicleLabel, AttendantID: sess.AttendantID}
	next, err := lifecycle.Apply(ticket, lifecycle.ActionCall, actor, at)
	if err != nil {
		return models.Ticket{}, false, err
	}
	next.RequestID = input.RequestID
	id := next.TicketID
	sess.CurrentTicketID = &id
	sess.State = models.SessionOccupied
	if err := s.commitLocked(lifecycle.ActionCall, next, input.RequestID, at); err != nil {
		return models.Ticket{}, false, err
	}
	return next, true, nil
}

func (s *Store) RecallTicket(_ context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.transition(lifecycle.ActionRecall, input)
}

func (s *Store) BeginAttend(_ context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.transition(lifecycle.ActionBeginAttend, input)
}

func (s *Store) FinishTicket(_ context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.transition(lifecycle.ActionFinish, input)
}

func (s *Store) CancelTicket(_ context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.transition(lifecycle.ActionCancel, input)
}

func (s *Store) transition(action lifecycle.Action, input store.TicketActionInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, found, err := s.replayLocked(action, input.RequestID); found {
		return t, false, err
	}
	ticket, ok := s.tickets[input.TicketID]
	if !ok || ticket.SiteID != input.SiteID {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}

	actor := lifecycle.Actor{AttendantID: input.AttendantID, Override: input.Override}
	if sess, ok := s.sessions[input.CubicleID]; ok && sess.SiteID == input.SiteID && sess.AttendantID == input.AttendantID {
		actor.CubicleID = sess.CubicleID
		actor.CubicleLabel = sess.CubicleLabel
	}
	at := s.stamp(input.OccurredAt)
	next, err := lifecycle.Apply(ticket, action, actor, at)
	if err != nil {
		return ticket.Clone(), false, err
	}
	if input.Notes != "" {
		next.Notes = input.Notes
	}
	if action == lifecycle.ActionCancel {
		next.CancelReasonID = input.ReasonID
	}
	next.RequestID = input.RequestID

	if lifecycle.IsTerminal(next.State) && ticket.CubicleID != nil {
		if sess, ok := s.sessions[*ticket.CubicleID]; ok && sess.CurrentTicketID != nil && *sess.CurrentTicketID == ticket.TicketID {
			sess.CurrentTicketID = nil
			sess.State = models.SessionAvailable
		}
	}
	if err := s.commitLocked(action, next, input.RequestID, at); err != nil {
		return models.Ticket{}, false, err
	}
	return next, true, nil
}

// SnapshotTickets returns the non-terminal tickets of a site in issuance order.
func (s *Store) SnapshotTickets(_ context.Context, siteID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Ticket, 0)
	for _, t := range s.tickets {
		if t.SiteID == siteID && !lifecycle.IsTerminal(t.State) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) ListTicketEvents(_ context.Context, siteID, ticketID string) ([]store.TicketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || t.SiteID != siteID {
		return nil, store.ErrTicketNotFound
	}
	return append([]store.TicketEvent(nil), s.events[ticketID]...), nil
}

func (s *Store) ListCubicles(_ context.Context, siteID string) ([]models.Cubicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Cubicle, 0)
	for _, c := range s.cubicles {
		if c.SiteID == siteID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *Store) SelectCubicle(_ context.Context, input store.CubicleInput) (models.AttendantSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cub, ok := s.cubicles[input.CubicleID]
	if !ok || cub.SiteID != input.SiteID {
		return models.AttendantSession{}, store.ErrCubicleNotFound
	}
	if sess, ok := s.sessions[cub.CubicleID]; ok {
		if sess.AttendantID == input.AttendantID {
			return *sess, nil
		}
		return models.AttendantSession{}, store.ErrCubicleTaken
	}
	for _, sess := range s.sessions {
		if sess.SiteID == input.SiteID && sess.AttendantID == input.AttendantID {
			return models.AttendantSession{}, store.ErrAttendantBound
		}
	}

	sess := &models.AttendantSession{
		SiteID:       cub.SiteID,
		CubicleID:    cub.CubicleID,
		CubicleLabel: cub.Label,
		AttendantID:  input.AttendantID,
		State:        models.SessionAvailable,
		ServiceIDs:   append([]string(nil), cub.ServiceIDs...),
		BoundAt:      s.stamp(input.OccurredAt),
	}
	s.sessions[cub.CubicleID] = sess
	attendant := input.AttendantID
	cub.AttendantID = &attendant
	s.cubicles[cub.CubicleID] = cub
	return *sess, nil
}

func (s *Store) ReleaseCubicle(_ context.Context, input store.CubicleInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.boundSessionLocked(input.SiteID, input.CubicleID, input.AttendantID)
	if err != nil {
		return err
	}
	if sess.CurrentTicketID != nil {
		return store.ErrReleaseBusy
	}
	if sess.ActivePauseID != nil {
		s.closePauseLocked(*sess.ActivePauseID, s.stamp(input.OccurredAt))
	}
	delete(s.sessions, sess.CubicleID)
	cub := s.cubicles[sess.CubicleID]
	cub.AttendantID = nil
	s.cubicles[sess.CubicleID] = cub
	return nil
}

func (s *Store) GetActiveSession(_ context.Context, siteID, attendantID string) (models.ActiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.SiteID != siteID || sess.AttendantID != attendantID {
			continue
		}
		active := models.ActiveSession{Session: *sess}
		if sess.CurrentTicketID != nil {
			if t, ok := s.tickets[*sess.CurrentTicketID]; ok {
				t = t.Clone()
				active.Ticket = &t
			}
		}
		if sess.ActivePauseID != nil {
			if p, ok := s.pauses[*sess.ActivePauseID]; ok {
				active.Pause = &p
			}
		}
		return active, nil
	}
	return models.ActiveSession{}, store.ErrSessionNotFound
}

func (s *Store) PauseSession(_ context.Context, input store.PauseInput) (models.PauseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.requests[requestKey("pause", input.RequestID)]; ok && input.RequestID != "" {
		return s.pauses[res.pauseID], nil
	}
	sess, err := s.boundSessionLocked(input.SiteID, input.CubicleID, input.AttendantID)
	if err != nil {
		return models.PauseRecord{}, err
	}
	if sess.State != models.SessionAvailable || sess.CurrentTicketID != nil {
		return models.PauseRecord{}, store.ErrPauseNotAllowed
	}
	rec := models.PauseRecord{
		PauseID:     uuid.NewString(),
		SiteID:      sess.SiteID,
		CubicleID:   sess.CubicleID,
		AttendantID: sess.AttendantID,
		ReasonID:    input.ReasonID,
		Description: input.Description,
		StartedAt:   s.stamp(input.OccurredAt),
	}
	s.pauses[rec.PauseID] = rec
	id := rec.PauseID
	sess.ActivePauseID = &id
	sess.State = models.SessionPaused
	if input.RequestID != "" {
		s.requests[requestKey("pause", input.RequestID)] = requestResult{pauseID: rec.PauseID}
	}
	return rec, nil
}

func (s *Store) ResumeSession(_ context.Context, input store.CubicleInput) (models.PauseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.requests[requestKey("resume", input.RequestID)]; ok && input.RequestID != "" {
		return s.pauses[res.pauseID], nil
	}
	sess, err := s.boundSessionLocked(input.SiteID, input.CubicleID, input.AttendantID)
	if err != nil {
		return models.PauseRecord{}, err
	}
	if sess.State != models.SessionPaused || sess.ActivePauseID == nil {
		return models.PauseRecord{}, store.ErrNotPaused
	}
	rec := s.closePauseLocked(*sess.ActivePauseID, s.stamp(input.OccurredAt))
	sess.ActivePauseID = nil
	sess.State = models.SessionAvailable
	if input.RequestID != "" {
		s.requests[requestKey("resume", input.RequestID)] = requestResult{pauseID: rec.PauseID}
	}
	return rec, nil
}

func (s *Store) ListOutboxEvents(_ context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := sort.Search(len(s.outbox), func(i int) bool { return s.outbox[i].Seq > afterSeq })
	end := start + limit
	if end > len(s.outbox) {
		end = len(s.outbox)
	}
	return append([]store.OutboxEvent(nil), s.outbox[start:end]...), nil
}

func (s *Store) GetRelayOffset(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[name], nil
}

// SaveRelayOffset also drops outbox entries every relay has moved past.
func (s *Store) SaveRelayOffset(_ context.Context, name string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[name] = seq
	low := seq
	for _, off := range s.offsets {
		if off < low {
			low = off
		}
	}
	cut := sort.Search(len(s.outbox), func(i int) bool { return s.outbox[i].Seq > low })
	s.outbox = append([]store.OutboxEvent(nil), s.outbox[cut:]...)
	return nil
}

func (s *Store) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return s.clock.Now().UTC()
	}
	return at.UTC()
}

func (s *Store) boundSessionLocked(siteID, cubicleID, attendantID string) (*models.AttendantSession, error) {
	sess, ok := s.sessions[cubicleID]
	if !ok || sess.SiteID != siteID || sess.AttendantID != attendantID {
		return nil, store.ErrNotBound
	}
	return sess, nil
}

func (s *Store) closePauseLocked(pauseID string, at time.Time) models.PauseRecord {
	rec := s.pauses[pauseID]
	if rec.EndedAt == nil {
		if at.Before(rec.StartedAt) {
			at = rec.StartedAt
		}
		rec.EndedAt = &at
		s.pauses[pauseID] = rec
	}
	return rec
}

func requestKey(action, requestID string) string {
	return action + "|" + requestID
}

func (s *Store) replayLocked(action lifecycle.Action, requestID string) (models.Ticket, bool, error) {
	if requestID == "" {
		return models.Ticket{}, false, nil
	}
	res, ok := s.requests[requestKey(string(action), requestID)]
	if !ok {
		return models.Ticket{}, false, nil
	}
	if res.empty {
		return models.Ticket{}, true, store.ErrNoTicket
	}
	return s.tickets[res.ticketID].Clone(), true, nil
}

func (s *Store) rememberLocked(action lifecycle.Action, requestID string, res requestResult) {
	if requestID != "" {
		s.requests[requestKey(string(action), requestID)] = res
	}
}

func (s *Store) commitLocked(action lifecycle.Action, ticket models.Ticket, requestID string, at time.Time) error {
	history := s.events[ticket.TicketID]
	var prev *store.TicketEvent
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}
	ev, err := store.NewTicketEvent(prev, action, ticket, at)
	if err != nil {
		return err
	}
	s.events[ticket.TicketID] = append(history, ev)
	s.tickets[ticket.TicketID] = ticket
	s.rememberLocked(action, requestID, requestResult{ticketID: ticket.TicketID})

	s.outboxSeq++
	s.outbox = append(s.outbox, store.OutboxEvent{
		Seq:       s.outboxSeq,
		EventID:   uuid.NewString(),
		SiteID:    ticket.SiteID,
		Type:      lifecycle.EventForAction(action).String(),
		Ticket:    ticket.Display(),
		CreatedAt: at,
	})
	return nil
}
