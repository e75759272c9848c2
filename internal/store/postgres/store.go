package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/layneker8/soft-turnos/internal/lifecycle"
	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

var _ store.TicketStore = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const ticketColumns = `ticket_id, code, seq, site_id, service_id, priority_id, priority_level, state,
	cubicle_id, cubicle_label, attendant_id, created_at, called_at, attended_at, finished_at,
	notes, cancel_reason_id, appointment_ref, request_id`

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, _, err := findActionRequest(ctx, tx, lifecycle.ActionIssue, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	var code string
	row := tx.QueryRow(ctx, `SELECT code FROM services WHERE service_id = $1 AND site_id = $2 AND active`, input.ServiceID, input.SiteID)
	if err = row.Scan(&code); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrServiceNotFound
		}
		return models.Ticket{}, false, err
	}
	var level int
	row = tx.QueryRow(ctx, `SELECT level FROM priorities WHERE priority_id = $1`, input.PriorityID)
	if err = row.Scan(&level); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrPriorityNotFound
		}
		return models.Ticket{}, false, err
	}

	var number, seq int64
	row = tx.QueryRow(ctx, `
		INSERT INTO ticket_counters (service_id, last_number) VALUES ($1, 1)
		ON CONFLICT (service_id) DO UPDATE SET last_number = ticket_counters.last_number + 1
		RETURNING last_number, nextval('ticket_issue_seq')
	`, input.ServiceID)
	if err = row.Scan(&number, &seq); err != nil {
		return models.Ticket{}, false, err
	}

	ticket := models.Ticket{
		TicketID:       uuid.NewString(),
		Code:           store.FormatTicketCode(code, number),
		Seq:            seq,
		SiteID:         input.SiteID,
		ServiceID:      input.ServiceID,
		PriorityID:     input.PriorityID,
		PriorityLevel:  level,
		Notes:          input.Notes,
		AppointmentRef: input.AppointmentRef,
		RequestID:      input.RequestID,
	}
	at := stamp(input.CreatedAt)
	if ticket, err = lifecycle.Apply(ticket, lifecycle.ActionIssue, lifecycle.Actor{}, at); err != nil {
		return models.Ticket{}, false, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,'',NULL,$9,NULL,NULL,NULL,$10,'',$11,$12)
	`, ticket.TicketID, ticket.Code, ticket.Seq, ticket.SiteID, ticket.ServiceID, ticket.PriorityID, ticket.PriorityLevel, ticket.State,
		ticket.CreatedAt, ticket.Notes, ticket.AppointmentRef, ticket.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err = commitTransition(ctx, tx, lifecycle.ActionIssue, ticket, input.RequestID, at); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, siteID, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 AND site_id = $2`, ticketID, siteID)
	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, err
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, lifecycle.ActionCall, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return existing, false, nil
	}

	sess, err := lockSession(ctx, tx, input.SiteID, input.CubicleID, input.AttendantID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if sess.State == models.SessionPaused {
		err = store.ErrSessionPaused
		return models.Ticket{}, false, err
	}
	if sess.CurrentTicketID != nil {
		err = store.ErrSessionBusy
		return models.Ticket{}, false, err
	}

	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE site_id = $1 AND state = 'waiting'`
	args := []interface{}{input.SiteID}
	if len(sess.ServiceIDs) > 0 {
		query += ` AND service_id = ANY($2)`
		args = append(args, sess.ServiceIDs)
	}
	query += ` ORDER BY priority_level ASC, created_at ASC, seq ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	ticket, err := scanTicket(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if err = insertActionRequest(ctx, tx, lifecycle.ActionCall, input.RequestID, "", ""); err != nil {
			return models.Ticket{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, store.ErrNoTicket
	}
	if err != nil {
		return models.Ticket{}, false, err
	}

	at := stamp(input.CalledAt)
	actor := lifecycle.Actor{CubicleID: sess.CubicleID, CubicleLabel: sess.CubicleLabel, AttendantID: sess.AttendantID}
	if ticket, err = lifecycle.Apply(ticket, lifecycle.ActionCall, actor, at); err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID
	if err = updateTicket(ctx, tx, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE attendant_sessions SET state = $2, current_ticket_id = $3 WHERE cubicle_id = $1
	`, sess.CubicleID, models.SessionOccupied, ticket.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err = commitTransition(ctx, tx, lifecycle.ActionCall, ticket, input.RequestID, at); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.transition(ctx, lifecycle.ActionRecall, input)
}

func (s *Store) BeginAttend(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.transition(ctx, lifecycle.ActionBeginAttend, input)
}

func (s *Store) FinishTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.transition(ctx, lifecycle.ActionFinish, input)
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.transition(ctx, lifecycle.ActionCancel, input)
}

func (s *Store) transition(ctx context.Context, action lifecycle.Action, input store.TicketActionInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, _, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 AND site_id = $2 FOR UPDATE`, input.TicketID, input.SiteID)
	current, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}

	actor := lifecycle.Actor{AttendantID: input.AttendantID, Override: input.Override}
	if sess, lerr := lockSession(ctx, tx, input.SiteID, input.CubicleID, input.AttendantID); lerr == nil {
		actor.CubicleID = sess.CubicleID
		actor.CubicleLabel = sess.CubicleLabel
	} else if !errors.Is(lerr, store.ErrNotBound) {
		err = lerr
		return models.Ticket{}, false, err
	}

	at := stamp(input.OccurredAt)
	next, err := lifecycle.Apply(current, action, actor, at)
	if err != nil {
		return current, false, err
	}
	if input.Notes != "" {
		next.Notes = input.Notes
	}
	if action == lifecycle.ActionCancel {
		next.CancelReasonID = input.ReasonID
	}
	next.RequestID = input.RequestID
	if err = updateTicket(ctx, tx, next); err != nil {
		return models.Ticket{}, false, err
	}
	if lifecycle.IsTerminal(next.State) && current.CubicleID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE attendant_sessions SET state = $3, current_ticket_id = NULL
			WHERE cubicle_id = $1 AND current_ticket_id = $2
		`, *current.CubicleID, current.TicketID, models.SessionAvailable)
		if err != nil {
			return models.Ticket{}, false, err
		}
	}
	if err = commitTransition(ctx, tx, action, next, input.RequestID, at); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return next, true, nil
}

func (s *Store) SnapshotTickets(ctx context.Context, siteID string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE site_id = $1 AND state IN ('waiting','called','attending')
		ORDER BY seq ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := make([]models.Ticket, 0)
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *Store) ListTicketEvents(ctx context.Context, siteID, ticketID string) ([]store.TicketEvent, error) {
	if _, err := s.GetTicket(ctx, siteID, ticketID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id, site_id, type, payload, created_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.Seq, &event.EventID, &event.SiteID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &event.Ticket); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) GetRelayOffset(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM relay_offsets WHERE name = $1`, name).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *Store) SaveRelayOffset(ctx context.Context, name string, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_offsets (name, seq) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET seq = GREATEST(relay_offsets.seq, EXCLUDED.seq)
	`, name, seq)
	return err
}

// stamp truncates to the column precision so audit hashes survive a round trip.
func stamp(at time.Time) time.Time {
	if at.IsZero() {
		at = time.Now()
	}
	return at.UTC().Truncate(time.Microsecond)
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var t models.Ticket
	var cubicleID, attendantID sql.NullString
	var calledAt, attendedAt, finishedAt sql.NullTime
	err := row.Scan(&t.TicketID, &t.Code, &t.Seq, &t.SiteID, &t.ServiceID, &t.PriorityID, &t.PriorityLevel, &t.State,
		&cubicleID, &t.CubicleLabel, &attendantID, &t.CreatedAt, &calledAt, &attendedAt, &finishedAt,
		&t.Notes, &t.CancelReasonID, &t.AppointmentRef, &t.RequestID)
	if err != nil {
		return models.Ticket{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.CubicleID = nullStringPtr(cubicleID)
	t.AttendantID = nullStringPtr(attendantID)
	t.CalledAt = nullTimePtr(calledAt)
	t.AttendedAt = nullTimePtr(attendedAt)
	t.FinishedAt = nullTimePtr(finishedAt)
	return t, nil
}

func updateTicket(ctx context.Context, tx pgx.Tx, t models.Ticket) error {
	_, err := tx.Exec(ctx, `
		UPDATE tickets SET state = $2, cubicle_id = $3, cubicle_label = $4, attendant_id = $5,
			called_at = $6, attended_at = $7, finished_at = $8, notes = $9, cancel_reason_id = $10, request_id = $11
		WHERE ticket_id = $1
	`, t.TicketID, t.State, t.CubicleID, t.CubicleLabel, t.AttendantID, t.CalledAt, t.AttendedAt, t.FinishedAt, t.Notes, t.CancelReasonID, t.RequestID)
	return err
}

// outboxLockKey serialises outbox inserts so seq order matches commit order;
// the relay reads seq > offset and would skip a seq committed late.
const outboxLockKey = "turnos.outbox"

// commitTransition appends the outbox entry, the audit entry and the request
// record for a transition inside the caller's transaction.
func commitTransition(ctx context.Context, tx pgx.Tx, action lifecycle.Action, ticket models.Ticket, requestID string, at time.Time) error {
	payload, err := json.Marshal(ticket.Display())
	if err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, outboxLockKey); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, site_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), ticket.SiteID, lifecycle.EventForAction(action).String(), payload, at)
	if err != nil {
		return err
	}
	if err := insertTicketEvent(ctx, tx, action, ticket, at); err != nil {
		return err
	}
	return insertActionRequest(ctx, tx, action, requestID, ticket.TicketID, "")
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, action lifecycle.Action, ticket models.Ticket, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}
	var prev *store.TicketEvent
	var last store.TicketEvent
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	switch err := row.Scan(&last.TicketSeq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}
	event, err := store.NewTicketEvent(prev, action, ticket, at)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

// findActionRequest reports whether requestID was already applied for action.
// empty is true when the recorded outcome was an empty queue.
func findActionRequest(ctx context.Context, tx pgx.Tx, action lifecycle.Action, requestID string) (models.Ticket, bool, bool, error) {
	if requestID == "" {
		return models.Ticket{}, false, false, nil
	}
	var ticketID sql.NullString
	row := tx.QueryRow(ctx, `SELECT ticket_id FROM action_requests WHERE action = $1 AND request_id = $2`, string(action), requestID)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}
	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}
	ticket, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID.String))
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action lifecycle.Action, requestID, ticketID, pauseID string) error {
	return insertRequest(ctx, tx, string(action), requestID, ticketID, pauseID)
}

func insertRequest(ctx context.Context, tx pgx.Tx, action, requestID, ticketID, pauseID string) error {
	if requestID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO action_requests (action, request_id, ticket_id, pause_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (action, request_id) DO NOTHING
	`, action, requestID, nullIfEmpty(ticketID), nullIfEmpty(pauseID))
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
