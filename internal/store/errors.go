package store

import (
	"errors"
	"fmt"

	"github.com/layneker8/soft-turnos/internal/apierr"
)

var (
	ErrTicketNotFound   = fmt.Errorf("ticket %w", apierr.ErrNotFound)
	ErrServiceNotFound  = fmt.Errorf("service %w", apierr.ErrNotFound)
	ErrPriorityNotFound = fmt.Errorf("priority %w", apierr.ErrNotFound)
	ErrCubicleNotFound  = fmt.Errorf("cubicle %w", apierr.ErrNotFound)
	ErrSessionNotFound  = fmt.Errorf("session %w", apierr.ErrNotFound)

	ErrCubicleTaken    = fmt.Errorf("cubicle bound to another attendant: %w", apierr.ErrCubicleUnavailable)
	ErrAttendantBound  = fmt.Errorf("attendant already bound to a cubicle: %w", apierr.ErrCubicleUnavailable)
	ErrSessionBusy     = fmt.Errorf("session holds a ticket: %w", apierr.ErrCubicleUnavailable)
	ErrSessionPaused   = fmt.Errorf("session is paused: %w", apierr.ErrCubicleUnavailable)
	ErrNotBound        = fmt.Errorf("cubicle not bound to attendant: %w", apierr.ErrCubicleUnavailable)
	ErrNoTicket        = apierr.ErrQueueEmpty
	ErrPauseNotAllowed = fmt.Errorf("pause: %w", apierr.ErrInvalidTransition)
	ErrNotPaused       = fmt.Errorf("resume: session not paused: %w", apierr.ErrInvalidTransition)
	ErrReleaseBusy     = fmt.Errorf("release: %w", apierr.ErrInvalidTransition)

	ErrChainBroken = errors.New("ticket event chain broken")
)
