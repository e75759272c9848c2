package main

import (
	"context"
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

	"github.com/layneker8/soft-turnos/internal/config"
	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/projection"
	"github.com/layneker8/soft-turnos/internal/realtime"
	"github.com/layneker8/soft-turnos/internal/sitepref"
)

func main() {
	cfg := config.LoadClient()

	flags := pflag.NewFlagSet("turnos-display", pflag.ExitOnError)
	flags.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "turnos server base URL")
	site := flags.String("site", cfg.SiteID, "site to display; remembered for the next start")
	flags.StringVar(&cfg.SitePrefPath, "site-file", cfg.SitePrefPath, "file remembering the selected site")
	_ = flags.Parse(os.Args[1:])

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	siteID, err := sitepref.Resolve(*site, cfg.SitePrefPath)
	if err != nil {
		log.WithError(err).Warn("ignoring remembered site")
	}
	if siteID == "" {
		log.Fatal("no site selected; pass --site")
	}
	if *site != "" {
		if err := sitepref.Save(cfg.SitePrefPath, siteID, time.Now()); err != nil {
			log.WithError(err).Warn("could not remember site")
		}
	}

	adapter, err := realtime.Shared(cfg.ServerURL, log)
	if err != nil {
		log.WithError(err).Fatal("realtime")
	}
	defer adapter.Close()

	board := newBoard(siteID, os.Stdout, log)
	unsubscribe := adapter.SubscribeAll(board.handle)
	defer unsubscribe()
	unwatch := adapter.OnStateChange(func(s realtime.State) {
		log.WithField("state", s.String()).Info("realtime connection")
	})
	defer unwatch()
	if err := adapter.JoinSite(siteID); err != nil {
		log.WithError(err).Fatal("join site")
	}
	log.WithField("site_id", siteID).Info("display started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}

// board renders one site's projection whenever it changes.
type board struct {
	mu   sync.Mutex
	proj *projection.Projection
	out  io.Writer
	log  logrus.FieldLogger
}

func newBoard(siteID string, out io.Writer, log logrus.FieldLogger) *board {
	return &board{proj: projection.New(siteID, projection.Options{}), out: out, log: log}
}

func (b *board) handle(siteID string, ev lifecycle.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if siteID != b.proj.SiteID() {
		return
	}
	if !b.proj.Apply(ev) {
		return
	}
	if ev.Kind == lifecycle.EventCalled || ev.Kind == lifecycle.EventRecalled {
		fmt.Fprintf(b.out, ">>> %s  %s\n", ev.Ticket.Code, ev.Ticket.CubicleLabel)
	}
	if err := render(b.out, siteID, b.proj.View()); err != nil {
		b.log.WithError(err).Warn("render")
	}
}

func render(w io.Writer, siteID string, v projection.View) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", siteID)
	if v.Current != nil {
		fmt.Fprintf(&sb, "TURNO ACTUAL  %-8s %s\n", v.Current.Code, v.Current.CubicleLabel)
	} else {
		sb.WriteString("TURNO ACTUAL  -\n")
	}
	sb.WriteString("EN ATENCION\n")
	for _, t := range v.Serving {
		fmt.Fprintf(&sb, "  %-8s %-12s %s\n", t.Code, t.CubicleLabel, t.State)
	}
	fmt.Fprintf(&sb, "EN ESPERA (%d)\n", len(v.Waiting))
	for _, t := range v.Waiting {
		fmt.Fprintf(&sb, "  %s\n", t.Code)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
