package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/layneker8/soft-turnos/internal/apierr"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
)

const testSite = "site-1"

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	issueTicket(t, ctx, st, "prio-normal", uuid.NewString())
	issueTicket(t, ctx, st, "prio-normal", uuid.NewString())
	selectCubicle(t, ctx, st, "cub-1", "u-1")
	selectCubicle(t, ctx, st, "cub-2", "u-2")

	var wg sync.WaitGroup
	results := make(chan callResult, 2)
	for _, in := range []store.CallNextInput{
		{RequestID: uuid.NewString(), SiteID: testSite, CubicleID: "cub-1", AttendantID: "u-1"},
		{RequestID: uuid.NewString(), SiteID: testSite, CubicleID: "cub-2", AttendantID: "u-2"},
	} {
		wg.Add(1)
		go func(in store.CallNextInput) {
			defer wg.Done()
			ticket, ok, err := st.CallNext(ctx, in)
			results <- callResult{ticketID: ticket.TicketID, ok: ok, err: err}
		}(in)
	}
	wg.Wait()
	close(results)

	var ids []string
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		if !result.ok {
			t.Fatalf("expected ticket assignment")
		}
		ids = append(ids, result.ticketID)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected 2 distinct tickets, got %v", ids)
	}
}

func TestCallNextOrderingAndEmptyQueue(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	var want []string
	for i, prio := range []string{"prio-normal", "prio-preferential", "prio-normal"} {
		ticket, _, err := st.IssueTicket(ctx, store.IssueTicketInput{
			RequestID: uuid.NewString(), SiteID: testSite, ServiceID: "svc-general", PriorityID: prio,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		want = append(want, ticket.TicketID)
	}
	want = []string{want[1], want[0], want[2]}
	selectCubicle(t, ctx, st, "cub-1", "u-1")

	for i, id := range want {
		got, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), SiteID: testSite, CubicleID: "cub-1", AttendantID: "u-1"})
		if err != nil || got.TicketID != id {
			t.Fatalf("call %d: got %s err=%v, want %s", i, got.TicketID, err, id)
		}
		in := store.TicketActionInput{RequestID: uuid.NewString(), SiteID: testSite, TicketID: id, CubicleID: "cub-1", AttendantID: "u-1"}
		if _, _, err := st.CancelTicket(ctx, in); err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
	}

	requestID := uuid.NewString()
	for i := 0; i < 2; i++ {
		_, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: requestID, SiteID: testSite, CubicleID: "cub-1", AttendantID: "u-1"})
		if !errors.Is(err, apierr.ErrQueueEmpty) {
			t.Fatalf("attempt %d: expected queue empty, got %v", i, err)
		}
	}
}

func TestFinishIdempotencyAndAudit(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	ticket := issueTicket(t, ctx, st, "prio-normal", uuid.NewString())
	selectCubicle(t, ctx, st, "cub-1", "u-1")
	if _, _, err := st.CallNext(ctx, store.CallNextInput{RequestID: uuid.NewString(), SiteID: testSite, CubicleID: "cub-1", AttendantID: "u-1"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	in := store.TicketActionInput{RequestID: uuid.NewString(), SiteID: testSite, TicketID: ticket.TicketID, CubicleID: "cub-1", AttendantID: "u-1"}
	if _, _, err := st.BeginAttend(ctx, in); err != nil {
		t.Fatalf("attend: %v", err)
	}
	in.RequestID = uuid.NewString()
	if _, applied, err := st.FinishTicket(ctx, in); err != nil || !applied {
		t.Fatalf("finish: applied=%v err=%v", applied, err)
	}
	if got, applied, err := st.FinishTicket(ctx, in); err != nil || applied || got.State != models.StateFinished {
		t.Fatalf("replayed finish: applied=%v err=%v", applied, err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = 'finished'`).Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 finished event, got %d", count)
	}

	events, err := st.ListTicketEvents(ctx, testSite, ticket.TicketID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	active, err := st.GetActiveSession(ctx, testSite, "u-1")
	if err != nil || active.Ticket != nil || active.Session.State != models.SessionAvailable {
		t.Fatalf("session after finish: %v %+v", err, active.Session)
	}
}

func TestOutboxTailNeverSkipsLateCommits(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	const writers, perWriter = 4, 10
	stop := make(chan struct{})
	seen := make(map[int64]bool)
	tailDone := make(chan error, 1)
	go func() {
		var offset int64
		for {
			events, err := st.ListOutboxEvents(ctx, offset, 100)
			if err != nil {
				tailDone <- err
				return
			}
			for _, ev := range events {
				seen[ev.Seq] = true
				offset = ev.Seq
			}
			select {
			case <-stop:
				if len(events) == 0 {
					tailDone <- nil
					return
				}
			default:
				time.Sleep(time.Millisecond)
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _, err := st.IssueTicket(ctx, store.IssueTicketInput{
					RequestID:  uuid.NewString(),
					SiteID:     testSite,
					ServiceID:  "svc-general",
					PriorityID: "prio-normal",
				})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	close(stop)
	for err := range errs {
		if err != nil {
			t.Fatalf("issue ticket: %v", err)
		}
	}
	if err := <-tailDone; err != nil {
		t.Fatalf("tail outbox: %v", err)
	}
	if len(seen) != writers*perWriter {
		t.Fatalf("tailing reader saw %d of %d outbox events", len(seen), writers*perWriter)
	}
}

type callResult struct {
	ticketID string
	ok       bool
	err      error
}

func issueTicket(t *testing.T, ctx context.Context, st *Store, priority, requestID string) models.Ticket {
	t.Helper()
	ticket, _, err := st.IssueTicket(ctx, store.IssueTicketInput{
		RequestID:  requestID,
		SiteID:     testSite,
		ServiceID:  "svc-general",
		PriorityID: priority,
	})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	return ticket
}

func selectCubicle(t *testing.T, ctx context.Context, st *Store, cubicleID, attendantID string) {
	t.Helper()
	if _, err := st.SelectCubicle(ctx, store.CubicleInput{SiteID: testSite, CubicleID: cubicleID, AttendantID: attendantID}); err != nil {
		t.Fatalf("select cubicle: %v", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := execOnce(ctx, dsn, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	st := NewStore(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		t.Fatalf("apply schema: %v", err)
	}
	if err := st.SeedCatalog(ctx, store.DemoCatalog()); err != nil {
		pool.Close()
		t.Fatalf("seed catalog: %v", err)
	}
	cleanup := func() {
		pool.Close()
		_ = execOnce(context.Background(), dsn, "DROP SCHEMA "+schema+" CASCADE")
	}
	return st, pool, cleanup
}

func execOnce(ctx context.Context, dsn, statement string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, statement)
	return err
}
