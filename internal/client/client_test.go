package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/capability"
	"github.com/layneker8/soft-turnos/internal/clock"
	"github.com/layneker8/soft-turnos/internal/httpapi"
	"github.com/layneker8/soft-turnos/internal/hub"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
	"github.com/layneker8/soft-turnos/internal/store/memory"
	"github.com/layneker8/soft-turnos/internal/workspace"
)

var secret = []byte("client-test-secret")

func newServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := memory.New(store.DemoCatalog(), clk)
	h := hub.New(httpapi.SiteSnapshot(st), nil)
	srv := httptest.NewServer(httpapi.NewServer(st, h, httpapi.ServerConfig{
		Secret:    secret,
		RateLimit: httpapi.RateLimitConfig{IPPerMinute: 6000, IPBurst: 100},
		Clock:     clk,
	}))
	t.Cleanup(srv.Close)
	return srv, st
}

func newClient(t *testing.T, baseURL, subject string, perms ...string) *Client {
	t.Helper()
	token, err := capability.Issue(secret, subject, perms, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	c, err := New(baseURL, Options{Token: token, HTTPClient: &http.Client{Timeout: 5 * time.Second}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestWorkspaceOverHTTP(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()

	kiosk := newClient(t, srv.URL, "kiosk-1", capability.IssueTicket)
	for _, prio := range []string{"prio-normal", "prio-preferential"} {
		if _, err := kiosk.IssueTicket(ctx, IssueRequest{SiteID: "site-1", ServiceID: "svc-general", PriorityID: prio}); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}

	api := newClient(t, srv.URL, "user-1", capability.Attendant...)
	w := workspace.New(api, capability.NewSet(capability.Attendant...), workspace.Options{SiteID: "site-1"})
	defer w.Close()

	if err := w.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if w.State().Session != nil {
		t.Fatal("session restored before any select")
	}
	cubicles, err := w.Cubicles(ctx)
	if err != nil || len(cubicles) != 3 {
		t.Fatalf("cubicles=%v err=%v", cubicles, err)
	}
	if _, err := w.SelectCubicle(ctx, "cub-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	called, err := w.CallNext(ctx)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.PriorityLevel != 0 || called.CubicleLabel != "Puesto 1" {
		t.Fatalf("called %+v", called)
	}
	if _, err := w.Recall(ctx); err != nil {
		t.Fatalf("recall: %v", err)
	}
	if _, err := w.BeginAttend(ctx); err != nil {
		t.Fatalf("attend: %v", err)
	}
	done, err := w.Finish(ctx, "listo")
	if err != nil || done.State != models.StateFinished {
		t.Fatalf("finish: %+v err=%v", done, err)
	}
	if _, err := w.Pause(ctx, "break", ""); err != nil {
		t.Fatalf("pause: %v", err)
	}

	restored := workspace.New(api, capability.NewSet(capability.Attendant...), workspace.Options{SiteID: "site-1"})
	defer restored.Close()
	if err := restored.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if st := restored.State(); st.Session == nil || st.Pause == nil || st.Session.State != models.SessionPaused {
		t.Fatalf("restored %+v", st)
	}
	if _, err := restored.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := restored.ReleaseCubicle(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	snapshot, err := kiosk.Snapshot(ctx, "site-1")
	if err != nil || len(snapshot) != 1 || snapshot[0].State != models.StateWaiting {
		t.Fatalf("snapshot=%+v err=%v", snapshot, err)
	}
}

func TestStructuredErrors(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()
	api := newClient(t, srv.URL, "user-1", capability.Attendant...)

	if _, err := api.SelectCubicle(ctx, workspace.CubicleRequest{RequestID: "4f0c8d3e-8a7b-4d6e-9f1a-2b3c4d5e6f70", SiteID: "site-1", CubicleID: "cub-1"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	_, err := api.CallNext(ctx, workspace.CubicleRequest{RequestID: "5a1d9e4f-9b8c-4e7f-8a2b-3c4d5e6f7081", SiteID: "site-1", CubicleID: "cub-1"})
	if !errors.Is(err, apierr.ErrQueueEmpty) {
		t.Fatalf("call next on empty queue: %v", err)
	}

	other := newClient(t, srv.URL, "user-2", capability.Attendant...)
	_, err = other.SelectCubicle(ctx, workspace.CubicleRequest{RequestID: "6b2e0f5a-0c9d-4f8a-9b3c-4d5e6f708192", SiteID: "site-1", CubicleID: "cub-1"})
	var remote *apierr.RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusConflict || !errors.Is(err, apierr.ErrCubicleUnavailable) {
		t.Fatalf("taken cubicle: %v", err)
	}

	_, err = api.ListCubicles(ctx, "")
	if !errors.As(err, &remote) || len(remote.Body.Details) != 1 || remote.Body.Details[0].Field != "site_id" {
		t.Fatalf("validation error: %v", err)
	}

	noPerms := newClient(t, srv.URL, "user-3")
	if _, err := noPerms.IssueTicket(ctx, IssueRequest{SiteID: "site-1", ServiceID: "svc-general", PriorityID: "prio-normal"}); !errors.Is(err, apierr.ErrUnauthorized) {
		t.Fatalf("issue without permission: %v", err)
	}
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	srv, _ := newServer(t)
	api := newClient(t, srv.URL, "user-1", capability.Attendant...)
	srv.Close()

	_, err := api.ListCubicles(context.Background(), "site-1")
	if !apierr.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var te *apierr.TransportError
	if !errors.As(err, &te) || !te.Temporary() {
		t.Fatalf("transport error not temporary: %v", err)
	}
}

func TestUnstructuredErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	api, err := New(srv.URL, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = api.ListCubicles(context.Background(), "site-1")
	var remote *apierr.RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusBadGateway {
		t.Fatalf("expected remote error, got %v", err)
	}
	if _, err := New("ftp://example", Options{}); err == nil {
		t.Fatal("expected scheme error")
	}
}
