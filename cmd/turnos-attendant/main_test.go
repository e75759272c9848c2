package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/capability"
	"github.com/layneker8/soft-turnos/internal/client"
	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/httpapi"
	"github.com/layneker8/soft-turnos/internal/hub"
	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/sitepref"
	"github.com/layneker8/soft-turnos/internal/store"
	"github.com/layneker8/soft-turnos/internal/store/memory"
	"github.com/layneker8/soft-turnos/internal/workspace"
)

var secret = []byte("attendant-test-secret")

type fakeRooms struct {
	joined []string
	left   []string
}

func (f *fakeRooms) JoinSite(siteID string) error {
	f.joined = append(f.joined, siteID)
	return nil
}

func (f *fakeRooms) LeaveSite(siteID string) {
	f.left = append(f.left, siteID)
}

func newSession(t *testing.T) (*session, *bytes.Buffer, *fakeRooms) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := memory.New(store.DemoCatalog(), clk)
	srv := httptest.NewServer(httpapi.NewServer(st, hub.New(httpapi.SiteSnapshot(st), nil), httpapi.ServerConfig{
		Secret:    secret,
		RateLimit: httpapi.RateLimitConfig{IPPerMinute: 6000, IPBurst: 100},
		Clock:     clk,
	}))
	t.Cleanup(srv.Close)

	perms := append([]string{capability.IssueTicket}, capability.Attendant...)
	token, err := capability.Issue(secret, "user-1", perms, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	api, err := client.New(srv.URL, client.Options{Token: token})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	claims, err := capability.ReadUnverified(token)
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	out := &bytes.Buffer{}
	rooms := &fakeRooms{}
	s := &session{
		api:      api,
		rooms:    rooms,
		out:      out,
		log:      logger.Discard(),
		prefPath: filepath.Join(t.TempDir(), "site.yaml"),
	}
	s.ws = workspace.New(api, claims.Set(), workspace.Options{SiteID: "site-1"})
	t.Cleanup(s.ws.Close)
	return s, out, rooms
}

func TestCommandFlow(t *testing.T) {
	s, out, _ := newSession(t)
	ctx := context.Background()

	steps := []struct {
		line string
		want string
	}{
		{"issue svc-general prio-normal", "issued "},
		{"cubicles", "cub-1"},
		{"select cub-1", "cubicle Puesto 1 bound"},
		{"call", " called"},
		{"recall", " called"},
		{"attend", " attending"},
		{"finish todo en orden", " finished"},
		{"pause break cafe", "paused (break)"},
		{"state", "cubicle: Puesto 1 (paused)"},
		{"resume", "resumed"},
		{"release", "cubicle released"},
	}
	for _, step := range steps {
		out.Reset()
		if err := s.exec(ctx, step.line); err != nil {
			t.Fatalf("%q: %v", step.line, err)
		}
		if !strings.Contains(out.String(), step.want) {
			t.Fatalf("%q printed %q, want %q", step.line, out.String(), step.want)
		}
	}
}

func TestCommandErrors(t *testing.T) {
	s, _, _ := newSession(t)
	ctx := context.Background()

	cases := []struct {
		line string
		want string
	}{
		{"call", "select a cubicle first"},
		{"select", "usage: select"},
		{"cancel", "usage: cancel"},
		{"bogus", `unknown command "bogus"`},
	}
	for _, tc := range cases {
		err := s.exec(ctx, tc.line)
		if err == nil || !strings.Contains(describe(err), tc.want) {
			t.Fatalf("%q: got %v, want %q", tc.line, err, tc.want)
		}
	}

	if err := s.exec(ctx, "select cub-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := s.exec(ctx, "call"); !errors.Is(err, apierr.ErrQueueEmpty) || describe(err) != "no tickets waiting" {
		t.Fatalf("empty queue: %v", err)
	}
	if err := s.exec(ctx, "quit"); !errors.Is(err, errQuit) {
		t.Fatalf("quit: %v", err)
	}
	if err := s.exec(ctx, "   "); err != nil {
		t.Fatalf("blank line: %v", err)
	}
}

func TestSwitchSite(t *testing.T) {
	s, _, rooms := newSession(t)
	ctx := context.Background()

	if err := s.exec(ctx, "select cub-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := s.exec(ctx, "site site-2"); !errors.Is(err, workspace.ErrSessionBound) {
		t.Fatalf("switch while bound: %v", err)
	}
	if err := s.exec(ctx, "release"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.exec(ctx, "site site-1"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if len(rooms.left) != 1 || len(rooms.joined) != 1 || rooms.joined[0] != "site-1" {
		t.Fatalf("rooms left=%v joined=%v", rooms.left, rooms.joined)
	}
	if got, err := sitepref.Load(s.prefPath); err != nil || got != "site-1" {
		t.Fatalf("remembered %q err=%v", got, err)
	}
}

func TestTickPrintsWholeMinutes(t *testing.T) {
	var out bytes.Buffer
	s := &session{out: &out}
	for _, sec := range []int{1, 59, 60, 61, 119, 120, 2, 60} {
		s.tick(time.Duration(sec) * time.Second)
	}
	want := "  elapsed 1m0s\n  elapsed 2m0s\n  elapsed 1m0s\n"
	if out.String() != want {
		t.Fatalf("printed %q, want %q", out.String(), want)
	}
}

func TestDescribeTransportError(t *testing.T) {
	err := &apierr.TransportError{Op: "GET /api/cubicles", Err: errors.New("connection refused")}
	if describe(err) != "server unreachable, try again" {
		t.Fatalf("describe: %q", describe(err))
	}
}
