package jobs

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

const uniqueViolation = "23505"

// DueJob is a claimed job together with the number of delivery attempts made so far.
type DueJob struct {
	Job
	Attempts int
}

// PGScheduler keeps one-shot jobs in the scheduled_jobs table. Rows are deleted once the
// job has been delivered, so a name is free again after its job fired.
type PGScheduler struct {
	db *sql.DB

	// PastTolerance is how far behind the clock a target may be before CreateJob and
	// UpdateJob reject it with ErrPastTarget.
	PastTolerance time.Duration
	// ClaimLease is how long a claimed job may stay in progress before it is claimable again.
	ClaimLease time.Duration
	Now        func() time.Time
}

func NewPGScheduler(db *sql.DB) *PGScheduler {
	return &PGScheduler{
		db:            db,
		PastTolerance: 5 * time.Second,
		ClaimLease:    2 * time.Minute,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
  name text PRIMARY KEY,
  session_id uuid NOT NULL,
  action text NOT NULL,
  run_at timestamptz NOT NULL,
  status text NOT NULL DEFAULT 'pending',
  attempts integer NOT NULL DEFAULT 0,
  last_error text,
  claimed_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_run_at ON scheduled_jobs (run_at);
`

// Migrate creates the scheduled_jobs table if it does not exist.
func (s *PGScheduler) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate scheduled_jobs: %w", err)
	}
	return nil
}

func (s *PGScheduler) checkTarget(runAt time.Time) error {
	if runAt.Before(s.Now().Add(-s.PastTolerance)) {
		return fmt.Errorf("%w: %s", ErrPastTarget, runAt.Format(time.RFC3339))
	}
	return nil
}

func (s *PGScheduler) CreateJob(ctx context.Context, job Job) error {
	if err := s.checkTarget(job.RunAt); err != nil {
		return err
	}
	const query = `
		INSERT INTO scheduled_jobs (name, session_id, action, run_at, status)
		VALUES ($1, $2, $3, $4, 'pending')
	`
	_, err := s.db.ExecContext(ctx, query, job.Name, job.Payload.SessionID, string(job.Payload.Action), job.RunAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("insert scheduled job %s: %w", job.Name, err)
	}
	return nil
}

// UpdateJob retargets a pending job. A job that is already being delivered counts as not found.
func (s *PGScheduler) UpdateJob(ctx context.Context, job Job) error {
	if err := s.checkTarget(job.RunAt); err != nil {
		return err
	}
	const query = `
		UPDATE scheduled_jobs
		SET session_id=$2, action=$3, run_at=$4, attempts=0, last_error=NULL, updated_at=NOW()
		WHERE name=$1 AND status='pending'
	`
	res, err := s.db.ExecContext(ctx, query, job.Name, job.Payload.SessionID, string(job.Payload.Action), job.RunAt.UTC())
	if err != nil {
		return fmt.Errorf("update scheduled job %s: %w", job.Name, err)
	}
	return expectOneRow(res)
}

func (s *PGScheduler) DeleteJob(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE name=$1`, name)
	if err != nil {
		return fmt.Errorf("delete scheduled job %s: %w", name, err)
	}
	return expectOneRow(res)
}

// ClaimDue marks up to limit due jobs as in progress and returns them. Jobs whose claim
// lease expired (a dispatcher died mid-delivery) are claimed again.
func (s *PGScheduler) ClaimDue(ctx context.Context, now time.Time, limit int) ([]DueJob, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
		UPDATE scheduled_jobs
		SET status='in_progress', attempts=attempts+1, claimed_at=$1, updated_at=NOW()
		WHERE name IN (
			SELECT name FROM scheduled_jobs
			WHERE run_at <= $1
			  AND (status='pending' OR (status='in_progress' AND claimed_at < $2))
			ORDER BY run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING name, session_id, action, run_at, attempts
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC(), now.Add(-s.ClaimLease).UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var out []DueJob
	for rows.Next() {
		var (
			dj        DueJob
			sessionID uuid.UUID
			action    string
		)
		if err := rows.Scan(&dj.Name, &sessionID, &action, &dj.RunAt, &dj.Attempts); err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		dj.Payload = Payload{SessionID: sessionID, Action: models.JobAction(action)}
		out = append(out, dj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}
	return out, nil
}

// Complete removes a delivered job.
func (s *PGScheduler) Complete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE name=$1 AND status='in_progress'`, name)
	if err != nil {
		return fmt.Errorf("complete scheduled job %s: %w", name, err)
	}
	return nil
}

// Fail returns a claimed job to pending with a new target and the delivery error.
func (s *PGScheduler) Fail(ctx context.Context, name string, retryAt time.Time, cause string) error {
	const query = `
		UPDATE scheduled_jobs
		SET status='pending', run_at=$2, last_error=$3, claimed_at=NULL, updated_at=NOW()
		WHERE name=$1 AND status='in_progress'
	`
	_, err := s.db.ExecContext(ctx, query, name, retryAt.UTC(), cause)
	if err != nil {
		return fmt.Errorf("fail scheduled job %s: %w", name, err)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
