package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/capability"
	"github.com/layneker8/soft-turnos/internal/client"
	"github.com/layneker8/soft-turnos/internal/config"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/realtime"
	"github.com/layneker8/soft-turnos/internal/sitepref"
	"github.com/layneker8/soft-turnos/internal/telemetry"
	"github.com/layneker8/soft-turnos/internal/workspace"
)

const usage = `commands:
  cubicles                      list cubicles of the site
  select <cubicle-id>           bind to a cubicle
  release                       unbind from the cubicle
  call                          call the next waiting ticket
  recall                        call the current ticket again
  attend                        start attending the current ticket
  finish [notes]                finish the current ticket
  cancel <reason-id> [notes]    cancel the current ticket
  pause <reason-id> [text]      pause the session
  resume                        end the open pause
  issue <service-id> <prio-id>  issue a ticket
  site <site-id>                switch site (only while unbound)
  state                         show the workspace
  quit`

func main() {
	cfg := config.LoadClient()

	flags := pflag.NewFlagSet("turnos-attendant", pflag.ExitOnError)
	flags.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "turnos server base URL")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	site := flags.String("site", cfg.SiteID, "site to work in; remembered for the next start")
	flags.StringVar(&cfg.SitePrefPath, "site-file", cfg.SitePrefPath, "file remembering the selected site")
	_ = flags.Parse(os.Args[1:])

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	shutdownTelemetry := telemetry.Setup("turnos-attendant", telemetry.OptionsFromEnv(), log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	claims, err := capability.ReadUnverified(cfg.Token)
	if err != nil {
		log.WithError(err).Fatal("a valid --token is required")
	}
	siteID, err := sitepref.Resolve(*site, cfg.SitePrefPath)
	if err != nil {
		log.WithError(err).Warn("ignoring remembered site")
	}
	if siteID == "" {
		log.Fatal("no site selected; pass --site")
	}

	api, err := client.New(cfg.ServerURL, client.Options{Token: cfg.Token, Log: log})
	if err != nil {
		log.WithError(err).Fatal("client")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := &session{
		api:      api,
		out:      os.Stdout,
		log:      log,
		prefPath: cfg.SitePrefPath,
	}
	sess.ws = workspace.New(api, claims.Set(), workspace.Options{
		SiteID: siteID,
		Log:    log,
		OnTick: sess.tick,
		OnNotice: func(err error) {
			fmt.Fprintf(sess.out, "! %v\n", err)
		},
	})
	defer sess.ws.Close()

	adapter, err := realtime.Shared(cfg.ServerURL, log)
	if err != nil {
		log.WithError(err).Fatal("realtime")
	}
	defer adapter.Close()
	unsubscribe := adapter.SubscribeAll(sess.ws.HandleEvent)
	defer unsubscribe()
	sess.rooms = adapter
	if err := adapter.JoinSite(siteID); err != nil {
		log.WithError(err).Fatal("join site")
	}

	if err := sess.ws.Sync(ctx); err != nil {
		log.WithError(err).Warn("could not restore the previous session")
	}
	if err := sess.exec(ctx, "state"); err != nil {
		log.WithError(err).Warn("state")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	fmt.Fprintln(sess.out, usage)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			err := sess.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(sess.out, "error: %s\n", describe(err))
			}
		}
	}
}

var errQuit = errors.New("quit")

type rooms interface {
	JoinSite(siteID string) error
	LeaveSite(siteID string)
}

// session binds one operator's command line to a workspace.
type session struct {
	ws       *workspace.Workspace
	api      *client.Client
	rooms    rooms
	out      io.Writer
	log      logrus.FieldLogger
	prefPath string

	tickMu sync.Mutex
	last   time.Duration
}

// tick prints the running time of the current ticket or pause at every whole
// minute. The counter restarts from zero on each transition.
func (s *session) tick(d time.Duration) {
	s.tickMu.Lock()
	prev := s.last
	s.last = d
	s.tickMu.Unlock()
	if d < prev {
		prev = 0
	}
	if d >= time.Minute && d/time.Minute != prev/time.Minute {
		fmt.Fprintf(s.out, "  elapsed %s\n", d)
	}
}

func (s *session) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	rest := strings.Join(args, " ")
	if len(args) > 0 {
		rest = strings.Join(args[1:], " ")
	}

	switch cmd {
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(s.out, usage)
	case "state":
		s.printState(s.ws.State())
	case "cubicles":
		cubicles, err := s.ws.Cubicles(ctx)
		if err != nil {
			return err
		}
		for _, c := range cubicles {
			status := "libre"
			if c.Bound() {
				status = "ocupado por " + *c.AttendantID
			}
			fmt.Fprintf(s.out, "  %-10s %-12s %s\n", c.CubicleID, c.Label, status)
		}
	case "select":
		if len(args) != 1 {
			return errors.New("usage: select <cubicle-id>")
		}
		bound, err := s.ws.SelectCubicle(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "cubicle %s bound\n", bound.CubicleLabel)
	case "release":
		if err := s.ws.ReleaseCubicle(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "cubicle released")
	case "call":
		return s.ticket(s.ws.CallNext(ctx))
	case "recall":
		return s.ticket(s.ws.Recall(ctx))
	case "attend":
		return s.ticket(s.ws.BeginAttend(ctx))
	case "finish":
		return s.ticket(s.ws.Finish(ctx, strings.Join(args, " ")))
	case "cancel":
		if len(args) == 0 {
			return errors.New("usage: cancel <reason-id> [notes]")
		}
		return s.ticket(s.ws.Cancel(ctx, args[0], rest))
	case "pause":
		if len(args) == 0 {
			return errors.New("usage: pause <reason-id> [description]")
		}
		p, err := s.ws.Pause(ctx, args[0], rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "paused (%s)\n", p.ReasonID)
	case "resume":
		if _, err := s.ws.Resume(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "resumed")
	case "issue":
		if len(args) != 2 {
			return errors.New("usage: issue <service-id> <priority-id>")
		}
		t, err := s.api.IssueTicket(ctx, client.IssueRequest{SiteID: s.ws.SiteID(), ServiceID: args[0], PriorityID: args[1]})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "issued %s\n", t.Code)
	case "site":
		if len(args) != 1 {
			return errors.New("usage: site <site-id>")
		}
		return s.switchSite(ctx, args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (s *session) switchSite(ctx context.Context, siteID string) error {
	prev := s.ws.SiteID()
	if err := s.ws.SetSite(siteID); err != nil {
		return err
	}
	if s.rooms != nil {
		s.rooms.LeaveSite(prev)
		if err := s.rooms.JoinSite(siteID); err != nil {
			return err
		}
	}
	if s.prefPath != "" {
		if err := sitepref.Save(s.prefPath, siteID, time.Now()); err != nil {
			s.log.WithError(err).Warn("could not remember site")
		}
	}
	if err := s.ws.Sync(ctx); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "site %s\n", siteID)
	return nil
}

func (s *session) ticket(t models.Ticket, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s %s\n", t.Code, t.State)
	return nil
}

func (s *session) printState(st workspace.State) {
	fmt.Fprintf(s.out, "site: %s\n", st.SiteID)
	if st.Session == nil {
		fmt.Fprintln(s.out, "cubicle: -")
		return
	}
	fmt.Fprintf(s.out, "cubicle: %s (%s)\n", st.Session.CubicleLabel, st.Session.State)
	if st.Ticket != nil {
		fmt.Fprintf(s.out, "ticket: %s %s %s\n", st.Ticket.Code, st.Ticket.State, st.Elapsed)
	}
	if st.Pause != nil {
		fmt.Fprintf(s.out, "pause: %s %s\n", st.Pause.ReasonID, st.Elapsed)
	}
}

// describe turns workspace and API errors into operator-facing text.
func describe(err error) string {
	switch {
	case apierr.IsTransport(err):
		return "server unreachable, try again"
	case errors.Is(err, apierr.ErrUnauthorized):
		return "not allowed"
	case errors.Is(err, apierr.ErrQueueEmpty):
		return "no tickets waiting"
	case errors.Is(err, workspace.ErrNoSession):
		return "select a cubicle first"
	case errors.Is(err, workspace.ErrNoTicket):
		return "no current ticket"
	case errors.Is(err, workspace.ErrTicketPending):
		return "finish or cancel the current ticket first"
	case errors.Is(err, apierr.ErrCubicleUnavailable):
		return "cubicle unavailable"
	}
	var remote *apierr.RemoteError
	if errors.As(err, &remote) && remote.Body.Message != "" {
		return remote.Body.Message
	}
	return err.Error()
}
