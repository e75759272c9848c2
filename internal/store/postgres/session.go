package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/layneker8/soft-turnos/internal/models"
	"github.com/layneker8/soft-turnos/internal/store"
)

const sessionColumns = `site_id, cubicle_id, cubicle_label, attendant_id, state, current_ticket_id, active_pause_id, service_ids, bound_at`

func scanSession(row pgx.Row) (models.AttendantSession, error) {
	var sess models.AttendantSession
	var current, pause sql.NullString
	if err := row.Scan(&sess.SiteID, &sess.CubicleID, &sess.CubicleLabel, &sess.AttendantID, &sess.State, &current, &pause, &sess.ServiceIDs, &sess.BoundAt); err != nil {
		return models.AttendantSession{}, err
	}
	sess.CurrentTicketID = nullStringPtr(current)
	sess.ActivePauseID = nullStringPtr(pause)
	sess.BoundAt = sess.BoundAt.UTC()
	return sess, nil
}

func lockSession(ctx context.Context, tx pgx.Tx, siteID, cubicleID, attendantID string) (models.AttendantSession, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM attendant_sessions
		WHERE cubicle_id = $1 AND site_id = $2 AND attendant_id = $3
		FOR UPDATE
	`, cubicleID, siteID, attendantID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AttendantSession{}, store.ErrNotBound
	}
	return sess, err
}

func (s *Store) ListCubicles(ctx context.Context, siteID string) ([]models.Cubicle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cubicle_id, site_id, label, attendant_id, service_ids
		FROM cubicles
		WHERE site_id = $1
		ORDER BY label ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cubicles := make([]models.Cubicle, 0)
	for rows.Next() {
		var c models.Cubicle
		var attendant sql.NullString
		if err := rows.Scan(&c.CubicleID, &c.SiteID, &c.Label, &attendant, &c.ServiceIDs); err != nil {
			return nil, err
		}
		c.AttendantID = nullStringPtr(attendant)
		cubicles = append(cubicles, c)
	}
	return cubicles, rows.Err()
}

func (s *Store) SelectCubicle(ctx context.Context, input store.CubicleInput) (models.AttendantSession, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AttendantSession{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var cub models.Cubicle
	var bound sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT cubicle_id, site_id, label, attendant_id, service_ids
		FROM cubicles WHERE cubicle_id = $1 AND site_id = $2
		FOR UPDATE
	`, input.CubicleID, input.SiteID)
	if err = row.Scan(&cub.CubicleID, &cub.SiteID, &cub.Label, &bound, &cub.ServiceIDs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrCubicleNotFound
		}
		return models.AttendantSession{}, err
	}
	if bound.Valid {
		if bound.String != input.AttendantID {
			err = store.ErrCubicleTaken
			return models.AttendantSession{}, err
		}
		var sess models.AttendantSession
		sess, err = lockSession(ctx, tx, input.SiteID, input.CubicleID, input.AttendantID)
		if err != nil {
			return models.AttendantSession{}, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.AttendantSession{}, err
		}
		return sess, nil
	}

	sess := models.AttendantSession{
		SiteID:       cub.SiteID,
		CubicleID:    cub.CubicleID,
		CubicleLabel: cub.Label,
		AttendantID:  input.AttendantID,
		State:        models.SessionAvailable,
		ServiceIDs:   cub.ServiceIDs,
		BoundAt:      stamp(input.OccurredAt),
	}
	if sess.ServiceIDs == nil {
		sess.ServiceIDs = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO attendant_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULL, NULL, $6, $7)
	`, sess.SiteID, sess.CubicleID, sess.CubicleLabel, sess.AttendantID, sess.State, sess.ServiceIDs, sess.BoundAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			err = store.ErrAttendantBound
		}
		return models.AttendantSession{}, err
	}
	if _, err = tx.Exec(ctx, `UPDATE cubicles SET attendant_id = $2 WHERE cubicle_id = $1`, cub.CubicleID, input.AttendantID); err != nil {
		return models.AttendantSession{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.AttendantSession{}, err
	}
	return sess, nil
}

func (s *Store) ReleaseCubicle(ctx context.Context, input store.CubicleInput) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	sess, err := lockSession(ctx, tx, input.SiteID, input.CubicleID, input.AttendantID)
	if err != nil {
		return err
	}
	if sess.CurrentTicketID != nil {
		err = store.ErrReleaseBusy
		return err
	}
	if sess.ActivePauseID != nil {
		if _, err = tx.Exec(ctx, `UPDATE pause_records SET ended_at = GREATEST(started_at, $2) WHERE pause_id = $1 AND ended_at IS NULL`, *sess.ActivePauseID, stamp(input.OccurredAt)); err != nil {
			return err
		}
	}
	if _, err = tx.Exec(ctx, `DELETE FROM attendant_sessions WHERE cubicle_id = $1`, sess.CubicleID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `UPDATE cubicles SET attendant_id = NULL WHERE cubicle_id = $1`, sess.CubicleID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetActiveSession(ctx context.Context, siteID, attendantID string) (models.ActiveSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM attendant_sessions WHERE site_id = $1 AND attendant_id = $2`, siteID, attendantID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ActiveSession{}, store.ErrSessionNotFound
		}
		return models.ActiveSession{}, err
	}
	active := models.ActiveSession{Session: sess}
	if sess.CurrentTicketID != nil {
		ticket, err := s.GetTicket(ctx, siteID, *sess.CurrentTicketID)
		if err != nil {
			return models.ActiveSession{}, err
		}
		active.Ticket = &ticket
	}
	if sess.ActivePauseID != nil {
		rec, err := getPause(ctx, s.pool, *sess.ActivePauseID)
		if err != nil {
			return models.ActiveSession{}, err
		}
		active.Pause = &rec
	}
	return active, nil
}

func (s *Store) PauseSession(ctx context.Context, input store.PauseInput) (models.PauseRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.PauseRecord{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if rec, found, ferr := findPauseRequest(ctx, tx, "pause", input.RequestID); ferr != nil || found {
		if ferr != nil {
			err = ferr
			return models.PauseRecord{}, err
		}
		return rec, tx.Commit(ctx)
	}
	sess, err := lockSession(ctx, tx, input.SiteID, input.CubicleID, input.AttendantID)
	if err != nil {
		return models.PauseRecord{}, err
	}
	if sess.State != models.SessionAvailable || sess.CurrentTicketID != nil {
		err = store.ErrPauseNotAllowed
		return models.PauseRecord{}, err
	}

	rec := models.PauseRecord{
		PauseID:     uuid.NewString(),
		SiteID:      sess.SiteID,
		CubicleID:   sess.CubicleID,
		AttendantID: sess.AttendantID,
		ReasonID:    input.ReasonID,
		Description: input.Description,
		StartedAt:   stamp(input.OccurredAt),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO pause_records (pause_id, site_id, cubicle_id, attendant_id, reason_id, description, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.PauseID, rec.SiteID, rec.CubicleID, rec.AttendantID, rec.ReasonID, rec.Description, rec.StartedAt)
	if err != nil {
		return models.PauseRecord{}, err
	}
	if _, err = tx.Exec(ctx, `UPDATE attendant_sessions SET state = $2, active_pause_id = $3 WHERE cubicle_id = $1`, sess.CubicleID, models.SessionPaused, rec.PauseID); err != nil {
		return models.PauseRecord{}, err
	}
	if err = insertRequest(ctx, tx, "pause", input.RequestID, "", rec.PauseID); err != nil {
		return models.PauseRecord{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.PauseRecord{}, err
	}
	return rec, nil
}

func (s *Store) ResumeSession(ctx context.Context, input store.CubicleInput) (models.PauseRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.PauseRecord{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if rec, found, ferr := findPauseRequest(ctx, tx, "resume", input.RequestID); ferr != nil || found {
		if ferr != nil {
			err = ferr
			return models.PauseRecord{}, err
		}
		return rec, tx.Commit(ctx)
	}
	sess, err := lockSession(ctx, tx, input.SiteID, input.CubicleID, input.AttendantID)
	if err != nil {
		return models.PauseRecord{}, err
	}
	if sess.State != models.SessionPaused || sess.ActivePauseID == nil {
		err = store.ErrNotPaused
		return models.PauseRecord{}, err
	}
	pauseID := *sess.ActivePauseID
	if _, err = tx.Exec(ctx, `UPDATE pause_records SET ended_at = GREATEST(started_at, $2) WHERE pause_id = $1`, pauseID, stamp(input.OccurredAt)); err != nil {
		return models.PauseRecord{}, err
	}
	if _, err = tx.Exec(ctx, `UPDATE attendant_sessions SET state = $2, active_pause_id = NULL WHERE cubicle_id = $1`, sess.CubicleID, models.SessionAvailable); err != nil {
		return models.PauseRecord{}, err
	}
	if err = insertRequest(ctx, tx, "resume", input.RequestID, "", pauseID); err != nil {
		return models.PauseRecord{}, err
	}
	rec, err := getPause(ctx, tx, pauseID)
	if err != nil {
		return models.PauseRecord{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.PauseRecord{}, err
	}
	return rec, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPause(ctx context.Context, q querier, pauseID string) (models.PauseRecord, error) {
	var rec models.PauseRecord
	var ended sql.NullTime
	row := q.QueryRow(ctx, `
		SELECT pause_id, site_id, cubicle_id, attendant_id, reason_id, description, started_at, ended_at
		FROM pause_records WHERE pause_id = $1
	`, pauseID)
	if err := row.Scan(&rec.PauseID, &rec.SiteID, &rec.CubicleID, &rec.AttendantID, &rec.ReasonID, &rec.Description, &rec.StartedAt, &ended); err != nil {
		return models.PauseRecord{}, err
	}
	rec.StartedAt = rec.StartedAt.UTC()
	rec.EndedAt = nullTimePtr(ended)
	return rec, nil
}

func findPauseRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.PauseRecord, bool, error) {
	if requestID == "" {
		return models.PauseRecord{}, false, nil
	}
	var pauseID sql.NullString
	err := tx.QueryRow(ctx, `SELECT pause_id FROM action_requests WHERE action = $1 AND request_id = $2`, action, requestID).Scan(&pauseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PauseRecord{}, false, nil
	}
	if err != nil || !pauseID.Valid {
		return models.PauseRecord{}, false, err
	}
	rec, err := getPause(ctx, tx, pauseID.String)
	return rec, err == nil, err
}
