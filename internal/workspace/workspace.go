// Package workspace drives one attendant's cubicle session. Every action is
// gated by capability, checked against local state and sent as a single
// request; local state only changes after the backend confirms.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/capability"
	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/models"
)

type Permissions interface {
	HasPermission(name string) bool
	HasAnyPermission(names ...string) bool
}

type CubicleRequest struct {
	RequestID string
	SiteID    string
	CubicleID string
}

type PauseRequest struct {
	RequestID   string
	SiteID      string
	CubicleID   string
	ReasonID    string
	Description string
}

type TicketRequest struct {
	RequestID string
	SiteID    string
	TicketID  string
	CubicleID string
	ReasonID  string
	Notes     string
}

// Backend is the request/response side of the queue service.
type Backend interface {
	ListCubicles(ctx context.Context, siteID string) ([]models.Cubicle, error)
	SelectCubicle(ctx context.Context, req CubicleRequest) (models.AttendantSession, error)
	ReleaseCubicle(ctx context.Context, req CubicleRequest) error
	// ActiveSession reports false when the caller holds no cubicle.
	ActiveSession(ctx context.Context, siteID string) (models.ActiveSession, bool, error)
	CallNext(ctx context.Context, req CubicleRequest) (models.Ticket, error)
	Recall(ctx context.Context, req TicketRequest) (models.Ticket, error)
	BeginAttend(ctx context.Context, req TicketRequest) (models.Ticket, error)
	Finish(ctx context.Context, req TicketRequest) (models.Ticket, error)
	Cancel(ctx context.Context, req TicketRequest) (models.Ticket, error)
	Pause(ctx context.Context, req PauseRequest) (models.PauseRecord, error)
	Resume(ctx context.Context, req CubicleRequest) (models.PauseRecord, error)
}

var (
	ErrNoSession     = fmt.Errorf("%w: no cubicle selected", apierr.ErrInvalidTransition)
	ErrSessionBound  = fmt.Errorf("%w: a cubicle is already selected", apierr.ErrInvalidTransition)
	ErrNoTicket      = fmt.Errorf("%w: no current ticket", apierr.ErrInvalidTransition)
	ErrPaused        = fmt.Errorf("%w: session is paused", apierr.ErrInvalidTransition)
	ErrNotPaused     = fmt.Errorf("%w: session is not paused", apierr.ErrInvalidTransition)
	ErrTicketPending = fmt.Errorf("%w: session holds a ticket", apierr.ErrCubicleUnavailable)
)

// resyncTimeout bounds the session reload that follows a lost response.
const resyncTimeout = 5 * time.Second

type Options struct {
	SiteID string
	Clock  clock.Clock
	Log    logrus.FieldLogger
	// OnTick receives the elapsed time of the current ticket or pause once a
	// second.
	OnTick func(time.Duration)
	// OnNotice receives rejected realtime events and other conditions the
	// attendant should see.
	OnNotice func(error)
	// OnChange fires after every confirmed state change.
	OnChange func(State)
}

// State is a copy of the workspace for rendering.
type State struct {
	SiteID       string
	Session      *models.AttendantSession
	Ticket       *models.Ticket
	Pause        *models.PauseRecord
	LastFinished *models.Ticket
	Elapsed      time.Duration
}

type Workspace struct {
	backend  Backend
	perms    Permissions
	clock    clock.Clock
	log      logrus.FieldLogger
	cache    *SiteCache
	timer    *Timer
	group    singleflight.Group
	onNotice func(error)
	onChange func(State)

	mu       sync.Mutex
	siteID   string
	session  *models.AttendantSession
	ticket   *models.Ticket
	pause    *models.PauseRecord
	lastDone *models.Ticket
}

func New(backend Backend, perms Permissions, opts Options) *Workspace {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.OnNotice == nil {
		opts.OnNotice = func(error) {}
	}
	if opts.OnChange == nil {
		opts.OnChange = func(State) {}
	}
	return &Workspace{
		backend:  backend,
		perms:    perms,
		clock:    opts.Clock,
		log:      opts.Log,
		cache:    NewSiteCache(backend.ListCubicles),
		timer:    NewTimer(opts.Clock, opts.OnTick),
		onNotice: opts.OnNotice,
		onChange: opts.OnChange,
		siteID:   strings.TrimSpace(opts.SiteID),
	}
}

func (w *Workspace) SiteID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.siteID
}

// SetSite switches the workspace to another site. It is refused while a
// cubicle is selected.
func (w *Workspace) SetSite(siteID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session != nil {
		return ErrSessionBound
	}
	w.siteID = strings.TrimSpace(siteID)
	return nil
}

func (w *Workspace) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Workspace) stateLocked() State {
	s := State{SiteID: w.siteID, Elapsed: w.timer.Elapsed()}
	if w.session != nil {
		session := *w.session
		s.Session = &session
	}
	if w.ticket != nil {
		t := w.ticket.Clone()
		s.Ticket = &t
	}
	if w.pause != nil {
		p := *w.pause
		s.Pause = &p
	}
	if w.lastDone != nil {
		t := w.lastDone.Clone()
		s.LastFinished = &t
	}
	return s
}

// Cubicles lists the site's cubicles from the cache.
func (w *Workspace) Cubicles(ctx context.Context) ([]models.Cubicle, error) {
	siteID := w.SiteID()
	if siteID == "" {
		return nil, fmt.Errorf("%w: site id", apierr.ErrInvalidRequest)
	}
	return w.cache.Cubicles(ctx, siteID)
}

// Sync restores a session the backend still holds for this attendant, for
// example after a restart.
func (w *Workspace) Sync(ctx context.Context) error {
	siteID := w.SiteID()
	if siteID == "" {
		return fmt.Errorf("%w: site id", apierr.ErrInvalidRequest)
	}
	active, ok, err := w.backend.ActiveSession(ctx, siteID)
	if err != nil {
		return fmt.Errorf("sync session: %w", err)
	}

	w.mu.Lock()
	if !ok {
		w.session, w.ticket, w.pause = nil, nil, nil
	} else {
		session := active.Session
		w.session = &session
		w.ticket = nil
		if active.Ticket != nil && !lifecycle.IsTerminal(active.Ticket.State) {
			t := active.Ticket.Clone()
			w.ticket = &t
		}
		w.pause = nil
		if active.Pause != nil && active.Pause.Open() {
			p := *active.Pause
			w.pause = &p
		}
	}
	w.restartTimerLocked()
	state := w.stateLocked()
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{"site_id": siteID, "restored": ok}).Info("workspace synced")
	w.onChange(state)
	return nil
}

func (w *Workspace) SelectCubicle(ctx context.Context, cubicleID string) (models.AttendantSession, error) {
	if !w.perms.HasPermission(capability.SelectCubicle) {
		return models.AttendantSession{}, apierr.ErrUnauthorized
	}
	cubicleID = strings.TrimSpace(cubicleID)
	w.mu.Lock()
	siteID := w.siteID
	bound := w.session != nil
	w.mu.Unlock()
	if bound {
		return models.AttendantSession{}, ErrSessionBound
	}
	if siteID == "" || cubicleID == "" {
		return models.AttendantSession{}, fmt.Errorf("%w: site and cubicle are required", apierr.ErrInvalidRequest)
	}

	v, err := w.do(ctx, "select:"+cubicleID, func() (interface{}, error) {
		session, err := w.backend.SelectCubicle(ctx, CubicleRequest{RequestID: uuid.NewString(), SiteID: siteID, CubicleID: cubicleID})
		// The list is stale either way once the backend has ruled.
		w.cache.Invalidate(siteID)
		if err != nil {
			return nil, err
		}
		w.commit(func() {
			w.session = &session
			w.ticket, w.pause, w.lastDone = nil, nil, nil
		})
		return session, nil
	})
	if err != nil {
		return models.AttendantSession{}, err
	}
	return v.(models.AttendantSession), nil
}

func (w *Workspace) ReleaseCubicle(ctx context.Context) error {
	if !w.perms.HasPermission(capability.SelectCubicle) {
		return apierr.ErrUnauthorized
	}
	w.mu.Lock()
	session := w.session
	holding := w.ticket != nil
	w.mu.Unlock()
	if session == nil {
		return ErrNoSession
	}
	if holding {
		return ErrTicketPending
	}

	_, err := w.do(ctx, "release:"+session.CubicleID, func() (interface{}, error) {
		err := w.backend.ReleaseCubicle(ctx, CubicleRequest{RequestID: uuid.NewString(), SiteID: session.SiteID, CubicleID: session.CubicleID})
		w.cache.Invalidate(session.SiteID)
		if err != nil {
			return nil, err
		}
		w.commit(func() {
			w.session, w.ticket, w.pause, w.lastDone = nil, nil, nil, nil
		})
		return nil, nil
	})
	return err
}

// CallNext asks for the next waiting ticket of the site for the bound cubicle.
func (w *Workspace) CallNext(ctx context.Context) (models.Ticket, error) {
	if !w.perms.HasPermission(capability.CallTicket) {
		return models.Ticket{}, apierr.ErrUnauthorized
	}
	w.mu.Lock()
	session, ticket, pause := w.session, w.ticket, w.pause
	w.mu.Unlock()
	switch {
	case session == nil:
		return models.Ticket{}, ErrNoSession
	case pause != nil:
		return models.Ticket{}, ErrPaused
	case ticket != nil:
		return models.Ticket{}, ErrTicketPending
	}

	v, err := w.do(ctx, "call-next:"+session.CubicleID, func() (interface{}, error) {
		t, err := w.backend.CallNext(ctx, CubicleRequest{RequestID: uuid.NewString(), SiteID: session.SiteID, CubicleID: session.CubicleID})
		if err != nil {
			// The backend sees a ticket this workspace missed, usually an
			// earlier call whose response never arrived.
			if errors.Is(err, apierr.ErrCubicleUnavailable) && !apierr.IsTransport(err) {
				w.resync(ctx, err)
			}
			return nil, err
		}
		w.commit(func() {
			w.setTicketLocked(t)
			w.lastDone = nil
		})
		return t, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return v.(models.Ticket), nil
}

func (w *Workspace) Recall(ctx context.Context) (models.Ticket, error) {
	return w.ticketAction(ctx, lifecycle.ActionRecall, "", "", w.backend.Recall, capability.RecallTicket)
}

func (w *Workspace) BeginAttend(ctx context.Context) (models.Ticket, error) {
	return w.ticketAction(ctx, lifecycle.ActionBeginAttend, "", "", w.backend.BeginAttend, capability.AttendTicket)
}

// Finish closes the current ticket. Repeating it after success returns the
// finished ticket without another request.
func (w *Workspace) Finish(ctx context.Context, notes string) (models.Ticket, error) {
	return w.ticketAction(ctx, lifecycle.ActionFinish, "", notes, w.backend.Finish, capability.FinishTicket)
}

func (w *Workspace) Cancel(ctx context.Context, reasonID, notes string) (models.Ticket, error) {
	if strings.TrimSpace(reasonID) == "" {
		return models.Ticket{}, fmt.Errorf("%w: reason_id is required", apierr.ErrInvalidRequest)
	}
	return w.ticketAction(ctx, lifecycle.ActionCancel, reasonID, notes, w.backend.Cancel, capability.CancelTicket, capability.CancelAny)
}

type ticketCall func(ctx context.Context, req TicketRequest) (models.Ticket, error)

func (w *Workspace) ticketAction(ctx context.Context, action lifecycle.Action, reasonID, notes string, call ticketCall, perms ...string) (models.Ticket, error) {
	if !w.perms.HasAnyPermission(perms...) {
		return models.Ticket{}, apierr.ErrUnauthorized
	}
	w.mu.Lock()
	session, ticket, lastDone := w.session, w.ticket, w.lastDone
	w.mu.Unlock()
	if session == nil {
		return models.Ticket{}, ErrNoSession
	}
	if ticket == nil {
		to, _ := lifecycle.NextState(action)
		if lastDone != nil && lastDone.State == to {
			return lastDone.Clone(), nil
		}
		return models.Ticket{}, ErrNoTicket
	}
	if !lifecycle.ValidTransition(action, ticket.State) {
		return models.Ticket{}, &lifecycle.TransitionError{Action: action, From: ticket.State, Reason: "not allowed from this state"}
	}

	v, err := w.do(ctx, string(action)+":"+ticket.TicketID, func() (interface{}, error) {
		t, err := call(ctx, TicketRequest{
			RequestID: uuid.NewString(),
			SiteID:    session.SiteID,
			TicketID:  ticket.TicketID,
			CubicleID: session.CubicleID,
			ReasonID:  strings.TrimSpace(reasonID),
			Notes:     strings.TrimSpace(notes),
		})
		if err != nil {
			return nil, err
		}
		w.commit(func() { w.setTicketLocked(t) })
		return t, nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return v.(models.Ticket), nil
}

func (w *Workspace) Pause(ctx context.Context, reasonID, description string) (models.PauseRecord, error) {
	if !w.perms.HasPermission(capability.PauseSession) {
		return models.PauseRecord{}, apierr.ErrUnauthorized
	}
	reasonID = strings.TrimSpace(reasonID)
	w.mu.Lock()
	session, ticket, pause := w.session, w.ticket, w.pause
	w.mu.Unlock()
	switch {
	case session == nil:
		return models.PauseRecord{}, ErrNoSession
	case pause != nil:
		return models.PauseRecord{}, ErrPaused
	case ticket != nil:
		return models.PauseRecord{}, ErrTicketPending
	case reasonID == "":
		return models.PauseRecord{}, fmt.Errorf("%w: reason_id is required", apierr.ErrInvalidRequest)
	}

	v, err := w.do(ctx, "pause:"+session.CubicleID, func() (interface{}, error) {
		p, err := w.backend.Pause(ctx, PauseRequest{
			RequestID:   uuid.NewString(),
			SiteID:      session.SiteID,
			CubicleID:   session.CubicleID,
			ReasonID:    reasonID,
			Description: strings.TrimSpace(description),
		})
		if err != nil {
			return nil, err
		}
		w.commit(func() {
			w.pause = &p
			if w.session != nil {
				w.session.State = models.SessionPaused
				w.session.ActivePauseID = &p.PauseID
			}
		})
		return p, nil
	})
	if err != nil {
		return models.PauseRecord{}, err
	}
	return v.(models.PauseRecord), nil
}

func (w *Workspace) Resume(ctx context.Context) (models.PauseRecord, error) {
	if !w.perms.HasPermission(capability.PauseSession) {
		return models.PauseRecord{}, apierr.ErrUnauthorized
	}
	w.mu.Lock()
	session, pause := w.session, w.pause
	w.mu.Unlock()
	switch {
	case session == nil:
		return models.PauseRecord{}, ErrNoSession
	case pause == nil:
		return models.PauseRecord{}, ErrNotPaused
	}

	v, err := w.do(ctx, "resume:"+session.CubicleID, func() (interface{}, error) {
		p, err := w.backend.Resume(ctx, CubicleRequest{RequestID: uuid.NewString(), SiteID: session.SiteID, CubicleID: session.CubicleID})
		if err != nil {
			return nil, err
		}
		w.commit(func() {
			w.pause = nil
			if w.session != nil {
				w.session.State = models.SessionAvailable
				w.session.ActivePauseID = nil
			}
		})
		return p, nil
	})
	if err != nil {
		return models.PauseRecord{}, err
	}
	return v.(models.PauseRecord), nil
}

// HandleEvent reconciles the current ticket with realtime events. It has the
// realtime handler signature.
func (w *Workspace) HandleEvent(siteID string, ev lifecycle.Event) {
	w.mu.Lock()
	if siteID != w.siteID || w.session == nil {
		w.mu.Unlock()
		return
	}
	if ev.Kind == lifecycle.EventInitialState {
		w.reconcileSnapshotLocked(ev.Snapshot)
	} else if err := w.reconcileLocked(ev); err != nil {
		w.mu.Unlock()
		w.log.WithError(err).WithField("ticket_id", ev.Ticket.TicketID).Warn("workspace: rejected realtime event")
		w.onNotice(err)
		return
	}
	w.restartTimerLocked()
	state := w.stateLocked()
	w.mu.Unlock()
	w.onChange(state)
}

func (w *Workspace) reconcileLocked(ev lifecycle.Event) error {
	cur := w.ticket
	if cur == nil {
		w.adoptLocked(ev.Ticket)
		return nil
	}
	if ev.Ticket.TicketID != cur.TicketID {
		return nil
	}
	dt := ev.Ticket
	if !dt.UpdatedAt.IsZero() && dt.UpdatedAt.Before(cur.LastChangedAt()) {
		return nil
	}
	if dt.State == cur.State {
		if ev.Kind == lifecycle.EventRecalled && cur.CalledAt != nil && dt.UpdatedAt.After(*cur.CalledAt) {
			next := cur.Clone()
			stamp := dt.UpdatedAt
			next.CalledAt = &stamp
			w.setTicketLocked(next)
		}
		return nil
	}

	action, ok := lifecycle.ActionForEvent(ev.Kind)
	if !ok {
		action, ok = actionForState(dt.State)
	}
	if !ok {
		return nil
	}
	next, err := lifecycle.Apply(*cur, action, lifecycle.Actor{CubicleID: w.session.CubicleID, Override: true}, dt.UpdatedAt)
	if err != nil {
		return err
	}
	w.setTicketLocked(next)
	return nil
}

// reconcileSnapshotLocked drops the current ticket when the site no longer
// lists it as live, which means it went terminal while disconnected. Without
// a current ticket it adopts the one the snapshot shows at this cubicle.
func (w *Workspace) reconcileSnapshotLocked(snapshot []models.DisplayTicket) {
	if w.ticket == nil {
		for _, dt := range snapshot {
			if w.adoptLocked(dt) {
				return
			}
		}
		return
	}
	for _, dt := range snapshot {
		if dt.TicketID == w.ticket.TicketID {
			if dt.State != w.ticket.State && !lifecycle.IsTerminal(dt.State) {
				next := w.ticket.Clone()
				next.State = dt.State
				w.setTicketLocked(next)
			}
			return
		}
	}
	w.log.WithField("ticket_id", w.ticket.TicketID).Info("workspace: current ticket closed elsewhere")
	w.ticket = nil
	if w.session != nil {
		w.session.CurrentTicketID = nil
		w.session.State = models.SessionAvailable
	}
}

// adoptLocked takes a live ticket shown at the bound cubicle as the current
// one. It covers calls whose response was lost after the backend committed.
func (w *Workspace) adoptLocked(dt models.DisplayTicket) bool {
	if w.ticket != nil || w.session == nil || dt.CubicleLabel == "" || dt.CubicleLabel != w.session.CubicleLabel {
		return false
	}
	if dt.State != models.StateCalled && dt.State != models.StateAttending {
		return false
	}
	if done := w.lastDone; done != nil && (done.TicketID == dt.TicketID || dt.UpdatedAt.Before(done.LastChangedAt())) {
		return false
	}
	cubicleID := w.session.CubicleID
	stamp := dt.UpdatedAt
	t := models.Ticket{
		TicketID:      dt.TicketID,
		Code:          dt.Code,
		Seq:           dt.Seq,
		SiteID:        w.siteID,
		PriorityLevel: dt.PriorityLevel,
		State:         dt.State,
		CubicleID:     &cubicleID,
		CubicleLabel:  dt.CubicleLabel,
		CreatedAt:     dt.IssuedAt,
		CalledAt:      &stamp,
	}
	if dt.State == models.StateAttending {
		t.AttendedAt = &stamp
	}
	w.log.WithFields(logrus.Fields{"ticket_id": dt.TicketID, "cubicle": dt.CubicleLabel}).Info("workspace: adopted ticket at this cubicle")
	w.setTicketLocked(t)
	return true
}

func actionForState(state string) (lifecycle.Action, bool) {
	switch state {
	case models.StateAttending:
		return lifecycle.ActionBeginAttend, true
	case models.StateFinished:
		return lifecycle.ActionFinish, true
	case models.StateCancelled:
		return lifecycle.ActionCancel, true
	default:
		return "", false
	}
}

// setTicketLocked records a confirmed ticket and moves the session to match.
func (w *Workspace) setTicketLocked(t models.Ticket) {
	if lifecycle.IsTerminal(t.State) {
		done := t.Clone()
		w.lastDone = &done
		w.ticket = nil
		if w.session != nil {
			w.session.CurrentTicketID = nil
			w.session.State = models.SessionAvailable
		}
	} else {
		cur := t.Clone()
		w.ticket = &cur
		if w.session != nil {
			id := t.TicketID
			w.session.CurrentTicketID = &id
			w.session.State = models.SessionOccupied
		}
	}
}

// restartTimerLocked points the elapsed counter at the current ticket's last
// transition or the open pause.
func (w *Workspace) restartTimerLocked() {
	switch {
	case w.ticket != nil:
		w.timer.Restart(w.ticket.LastChangedAt())
	case w.pause != nil:
		w.timer.Restart(w.pause.StartedAt)
	default:
		w.timer.Stop()
	}
}

func (w *Workspace) commit(apply func()) {
	w.mu.Lock()
	apply()
	w.restartTimerLocked()
	state := w.stateLocked()
	w.mu.Unlock()
	w.onChange(state)
}

// do shares one in-flight request between identical concurrent actions. A
// transport failure may hide a committed change, so it reloads the session.
func (w *Workspace) do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, shared := w.group.Do(key, func() (interface{}, error) {
		v, err := fn()
		if apierr.IsTransport(err) {
			w.resync(ctx, err)
		}
		return v, err
	})
	if shared {
		w.log.WithField("action", key).Debug("workspace: joined in-flight request")
	}
	if err != nil && !errors.Is(err, apierr.ErrQueueEmpty) {
		w.log.WithError(err).WithField("action", key).Warn("workspace action failed")
	}
	return v, err
}

// resync reloads the session from the backend after an action failed in a
// way that leaves its outcome unknown. Failures are only logged; realtime
// events can still bring the workspace back in line.
func (w *Workspace) resync(ctx context.Context, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resyncTimeout)
	defer cancel()
	if err := w.Sync(ctx); err != nil {
		w.log.WithError(err).WithField("cause", cause.Error()).Warn("workspace: resync failed")
	}
}

// Close stops the elapsed counter and drops cached lookups.
func (w *Workspace) Close() {
	w.timer.Stop()
	w.cache.Reset()
}
