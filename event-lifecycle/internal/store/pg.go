package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
  id uuid PRIMARY KEY,
  owner_id uuid NOT NULL,
  title text NOT NULL,
  status text NOT NULL,
  rejection_reason text,
  scheduling_pending boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_scheduling_pending ON events (updated_at) WHERE scheduling_pending;

CREATE TABLE IF NOT EXISTS event_sessions (
  id uuid PRIMARY KEY,
  event_id uuid NOT NULL REFERENCES events(id) ON DELETE CASCADE,
  start_time timestamptz,
  end_time timestamptz,
  sales_rule_kind text,
  sales_rule_fixed_at timestamptz,
  sales_rule_hours_before integer,
  sales_start_time timestamptz,
  status text NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now(),
  CHECK (start_time IS NULL OR end_time IS NULL OR end_time > start_time)
);
CREATE INDEX IF NOT EXISTS idx_event_sessions_event ON event_sessions (event_id);

CREATE TABLE IF NOT EXISTS event_members (
  event_id uuid NOT NULL REFERENCES events(id) ON DELETE CASCADE,
  user_id uuid NOT NULL,
  role text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (event_id, user_id)
);
`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate event schema: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) CreateEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertEvent = `
		INSERT INTO events (id, owner_id, title, status, rejection_reason, scheduling_pending, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	if _, err := tx.ExecContext(ctx, insertEvent, ev.ID, ev.OwnerID, ev.Title, string(ev.Status),
		nullString(ev.RejectionReason), ev.SchedulingPending, now, now); err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}

	const insertSession = `
		INSERT INTO event_sessions
		  (id, event_id, start_time, end_time, sales_rule_kind, sales_rule_fixed_at, sales_rule_hours_before, sales_start_time, status, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	for i := range ev.Sessions {
		sess := &ev.Sessions[i]
		if sess.ID == uuid.Nil {
			sess.ID = uuid.New()
		}
		sess.EventID = ev.ID
		sess.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, insertSession,
			sess.ID, ev.ID, nullTime(sess.StartTime), nullTime(sess.EndTime),
			nullString(string(sess.SalesStartRule.Kind)), nullTime(sess.SalesStartRule.FixedAt), nullInt(sess.SalesStartRule.HoursBefore),
			nullTime(sess.SalesStartTime), string(sess.Status), now,
		); err != nil {
			return models.Event{}, fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Event{}, fmt.Errorf("commit event: %w", err)
	}
	return ev, nil
}

func (s *PGStore) GetEvent(ctx context.Context, id uuid.UUID) (models.Event, error) {
	const query = `
		SELECT id, owner_id, title, status, rejection_reason, scheduling_pending, created_at, updated_at
		FROM events WHERE id=$1
	`
	var (
		ev     models.Event
		status string
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ev.ID, &ev.OwnerID, &ev.Title, &status, &reason,
		&ev.SchedulingPending, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Event{}, ErrNotFound
		}
		return models.Event{}, fmt.Errorf("get event: %w", err)
	}
	ev.Status = models.EventStatus(status)
	if !ev.Status.Valid() {
		return models.Event{}, fmt.Errorf("get event %s: unknown status %q", id, status)
	}
	ev.RejectionReason = reason.String

	sessions, err := s.listSessions(ctx, id)
	if err != nil {
		return models.Event{}, err
	}
	ev.Sessions = sessions
	return ev, nil
}

const sessionColumns = `id, event_id, start_time, end_time, sales_rule_kind, sales_rule_fixed_at, sales_rule_hours_before, sales_start_time, status, updated_at`

func (s *PGStore) listSessions(ctx context.Context, eventID uuid.UUID) ([]models.EventSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM event_sessions WHERE event_id=$1 ORDER BY start_time NULLS LAST, id`
	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.EventSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetSession(ctx context.Context, id uuid.UUID) (models.EventSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM event_sessions WHERE id=$1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.EventSession{}, ErrNotFound
		}
		return models.EventSession{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PGStore) SaveEvent(ctx context.Context, ev models.Event, from models.EventStatus, changes []SessionChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const updateEvent = `
		UPDATE events
		SET status=$2, rejection_reason=$3, scheduling_pending=$4, updated_at=NOW()
		WHERE id=$1 AND status=$5
	`
	res, err := tx.ExecContext(ctx, updateEvent, ev.ID, string(ev.Status), nullString(ev.RejectionReason),
		ev.SchedulingPending, string(from))
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if err := s.eventExists(ctx, tx, ev.ID); err != nil {
			return err
		}
		return ErrStaleState
	}

	const updateSalesStart = `
		UPDATE event_sessions
		SET sales_start_time=$3, updated_at=NOW()
		WHERE id=$1 AND event_id=$2
	`
	for _, sess := range ev.Sessions {
		if _, err := tx.ExecContext(ctx, updateSalesStart, sess.ID, ev.ID, nullTime(sess.SalesStartTime)); err != nil {
			return fmt.Errorf("update session %s: %w", sess.ID, err)
		}
	}

	const updateStatus = `
		UPDATE event_sessions
		SET status=$3, updated_at=NOW()
		WHERE id=$1 AND event_id=$2 AND status=$4
	`
	for _, c := range changes {
		if _, err := tx.ExecContext(ctx, updateStatus, c.ID, ev.ID, string(c.To), string(c.From)); err != nil {
			return fmt.Errorf("update session %s status: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *PGStore) eventExists(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check event: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DeleteEvent(ctx context.Context, id uuid.UUID, from models.EventStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id=$1 AND status=$2`, id, string(from))
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if err := s.eventExists(ctx, tx, id); err != nil {
			return err
		}
		return ErrStaleState
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *PGStore) ListSchedulingPending(ctx context.Context, limit int) ([]models.Event, error) {
	const query = `
		SELECT id FROM events
		WHERE scheduling_pending AND status='APPROVED'
		ORDER BY updated_at
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list scheduling pending: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduling pending: %w", err)
	}

	out := make([]models.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := s.GetEvent(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *PGStore) TransitionSession(ctx context.Context, id uuid.UUID, from []models.SessionStatus, to models.SessionStatus) (bool, error) {
	fromStr := make([]string, 0, len(from))
	for _, st := range from {
		fromStr = append(fromStr, string(st))
	}
	const query = `
		UPDATE event_sessions
		SET status=$2, updated_at=NOW()
		WHERE id=$1 AND status = ANY($3)
	`
	res, err := s.db.ExecContext(ctx, query, id, string(to), pq.Array(fromStr))
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PGStore) AddMember(ctx context.Context, eventID, userID uuid.UUID, role string) error {
	const query = `
		INSERT INTO event_members (event_id, user_id, role)
		VALUES ($1,$2,$3)
		ON CONFLICT (event_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`
	if _, err := s.db.ExecContext(ctx, query, eventID, userID, role); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PGStore) RemoveMember(ctx context.Context, eventID, userID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_members WHERE event_id=$1 AND user_id=$2`, eventID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) IsOwner(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE id=$1 AND owner_id=$2)`, eventID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("is owner: %w", err)
	}
	return ok, nil
}

func (s *PGStore) HasRole(ctx context.Context, eventID, userID uuid.UUID, role string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM event_members WHERE event_id=$1 AND user_id=$2 AND role=$3)`
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, eventID, userID, role).Scan(&ok); err != nil {
		return false, fmt.Errorf("has role: %w", err)
	}
	return ok, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.EventSession, error) {
	var (
		sess                            models.EventSession
		start, end, fixedAt, salesStart sql.NullTime
		ruleKind                        sql.NullString
		hoursBefore                     sql.NullInt64
		status                          string
	)
	if err := row.Scan(&sess.ID, &sess.EventID, &start, &end, &ruleKind, &fixedAt, &hoursBefore, &salesStart, &status, &sess.UpdatedAt); err != nil {
		return models.EventSession{}, err
	}
	sess.StartTime = timePtr(start)
	sess.EndTime = timePtr(end)
	sess.SalesStartTime = timePtr(salesStart)
	sess.Status = models.SessionStatus(status)
	if !sess.Status.Valid() {
		return models.EventSession{}, fmt.Errorf("session %s: unknown status %q", sess.ID, status)
	}
	sess.SalesStartRule = models.SalesStartRule{Kind: models.RuleKind(ruleKind.String), FixedAt: timePtr(fixedAt)}
	if hoursBefore.Valid {
		h := int(hoursBefore.Int64)
		sess.SalesStartRule.HoursBefore = &h
	}
	return sess, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
