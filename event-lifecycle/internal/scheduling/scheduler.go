// Package scheduling keeps the external one-shot scheduler in step with an event's sessions:
// every eligible session gets an on-sale job and, when it has an end time, a closed job.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stagepass/platform/event-lifecycle/internal/jobs"
	"github.com/stagepass/platform/event-lifecycle/internal/metrics"
	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	// OutcomeInFlight means the job exists but is being delivered, so it can no longer be
	// updated or recreated.
	OutcomeInFlight Outcome = "in_flight"
)

type SkipReason string

const (
	SkipTerminal       SkipReason = "terminal_status"
	SkipNoStartTime    SkipReason = "no_start_time"
	SkipAlreadyStarted SkipReason = "already_started"
)

type ProvisionedJob struct {
	SessionID uuid.UUID
	Name      string
	Action    models.JobAction
	RunAt     time.Time
	Outcome   Outcome
}

type SkippedSession struct {
	SessionID uuid.UUID
	Reason    SkipReason
}

// Result describes one scheduling pass. Provisioned is ordered by session position in the
// event, on-sale before closed.
type Result struct {
	Provisioned []ProvisionedJob
	Skipped     []SkippedSession
}

type Config struct {
	// CallTimeout bounds each scheduler call. A timeout is a fault like any other error.
	CallTimeout   time.Duration
	RetryAttempts int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	// Concurrency bounds how many sessions of one event are provisioned at once.
	Concurrency int

	Now    func() time.Time
	Logger zerolog.Logger
}

type Scheduler struct {
	jobs    jobs.Scheduler
	cfg     Config
	retrier retry.Retry[struct{}]
	log     zerolog.Logger
}

func New(js jobs.Scheduler, cfg Config) *Scheduler {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		jobs: js,
		cfg:  cfg,
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.RetryAttempts,
			InitialDelay:  cfg.RetryInitial,
			MaxDelay:      cfg.RetryMax,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   isRetryable,
		}),
		log: cfg.Logger,
	}
}

// isRetryable excludes the answers that retrying cannot change.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, jobs.ErrConflict),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, jobs.ErrPastTarget),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// ScheduleEvent provisions jobs for every eligible session of ev. Sessions that could not be
// scheduled are reported together in a *Fault; the Result still lists what did succeed.
func (s *Scheduler) ScheduleEvent(ctx context.Context, ev *models.Event) (Result, error) {
	now := s.cfg.Now()
	log := s.log.With().Str("event_id", ev.ID.String()).Logger()

	type sessionResult struct {
		index int
		jobs  []ProvisionedJob
		fault *SessionFault
	}

	var (
		res     Result
		mu      sync.Mutex
		results []sessionResult
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, sess := range ev.Sessions {
		if reason, ok := eligibility(sess, now); !ok {
			res.Skipped = append(res.Skipped, SkippedSession{SessionID: sess.ID, Reason: reason})
			metrics.SessionsSkippedTotal.WithLabelValues(string(reason)).Inc()
			log.Debug().Str("session_id", sess.ID.String()).Str("reason", string(reason)).Msg("session not scheduled")
			continue
		}
		g.Go(func() error {
			provisioned, fault := s.scheduleSession(ctx, sess, now)
			mu.Lock()
			results = append(results, sessionResult{index: i, jobs: provisioned, fault: fault})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].index < results[b].index })

	var fault *Fault
	for _, r := range results {
		res.Provisioned = append(res.Provisioned, r.jobs...)
		if r.fault != nil {
			if fault == nil {
				fault = &Fault{EventID: ev.ID}
			}
			fault.Sessions = append(fault.Sessions, *r.fault)
		}
	}
	if fault != nil {
		log.Error().Err(fault).Int("failed_sessions", len(fault.Sessions)).Msg("event not fully scheduled")
		return res, fault
	}
	log.Info().Int("jobs", len(res.Provisioned)).Int("skipped", len(res.Skipped)).Msg("event scheduled")
	return res, nil
}

func eligibility(sess models.EventSession, now time.Time) (SkipReason, bool) {
	if sess.Status.IsTerminal() {
		return SkipTerminal, false
	}
	if sess.StartTime == nil {
		return SkipNoStartTime, false
	}
	if !sess.StartTime.After(now) {
		return SkipAlreadyStarted, false
	}
	return "", true
}

// SaleOpenTime is when the on-sale job for sess should fire: the resolved sales start, or now
// when there is none or it is not in the future.
func SaleOpenTime(sess models.EventSession, now time.Time) time.Time {
	if sess.SalesStartTime == nil || !sess.SalesStartTime.After(now) {
		return now
	}
	return *sess.SalesStartTime
}

// scheduleSession provisions the on-sale job and only then the closed job.
func (s *Scheduler) scheduleSession(ctx context.Context, sess models.EventSession, now time.Time) ([]ProvisionedJob, *SessionFault) {
	var out []ProvisionedJob

	onSale, err := jobs.NewSessionJob(sess.ID, models.JobActionOnSale, SaleOpenTime(sess, now))
	if err != nil {
		return nil, &SessionFault{SessionID: sess.ID, Action: models.JobActionOnSale, Err: err}
	}
	pj, err := s.provision(ctx, onSale)
	if err != nil {
		return nil, &SessionFault{SessionID: sess.ID, Action: models.JobActionOnSale, Err: err}
	}
	out = append(out, pj)

	if sess.EndTime == nil {
		return out, nil
	}
	closed, err := jobs.NewSessionJob(sess.ID, models.JobActionClosed, *sess.EndTime)
	if err != nil {
		return out, &SessionFault{SessionID: sess.ID, Action: models.JobActionClosed, Err: err}
	}
	pj, err = s.provision(ctx, closed)
	if err != nil {
		return out, &SessionFault{SessionID: sess.ID, Action: models.JobActionClosed, Err: err}
	}
	return append(out, pj), nil
}

// provision is create-or-update by name. When the update finds nothing (the job fired or was
// removed after the create conflicted) the create is attempted once more; a job that is
// present but not pending is being delivered and is left alone.
func (s *Scheduler) provision(ctx context.Context, job jobs.Job) (ProvisionedJob, error) {
	purpose := purposeLabel(job.Payload.Action)
	pj := ProvisionedJob{
		SessionID: job.Payload.SessionID,
		Name:      job.Name,
		Action:    job.Payload.Action,
		RunAt:     job.RunAt,
	}

	outcome, err := s.createOrUpdate(ctx, job)
	if err != nil {
		metrics.JobProvisionFailuresTotal.WithLabelValues(purpose).Inc()
		return pj, err
	}
	metrics.JobsProvisionedTotal.WithLabelValues(purpose, string(outcome)).Inc()
	pj.Outcome = outcome
	return pj, nil
}

func (s *Scheduler) createOrUpdate(ctx context.Context, job jobs.Job) (Outcome, error) {
	err := s.call(ctx, job, s.jobs.CreateJob)
	if err == nil {
		return OutcomeCreated, nil
	}
	if !errors.Is(err, jobs.ErrConflict) {
		return "", fmt.Errorf("create job %s: %w", job.Name, err)
	}

	err = s.call(ctx, job, s.jobs.UpdateJob)
	if err == nil {
		return OutcomeUpdated, nil
	}
	if !errors.Is(err, jobs.ErrNotFound) {
		return "", fmt.Errorf("update job %s: %w", job.Name, err)
	}

	s.log.Debug().Str("job", job.Name).Msg("job vanished between create and update; recreating")
	err = s.call(ctx, job, s.jobs.CreateJob)
	switch {
	case err == nil:
		return OutcomeCreated, nil
	case errors.Is(err, jobs.ErrConflict):
		// Still present yet not updatable: the dispatcher holds it.
		s.log.Info().Str("job", job.Name).Msg("job is being delivered; left as is")
		return OutcomeInFlight, nil
	}
	return "", fmt.Errorf("recreate job %s: %w", job.Name, err)
}

// Revoke deletes previously provisioned jobs. Jobs that are already gone are ignored.
func (s *Scheduler) Revoke(ctx context.Context, provisioned []ProvisionedJob) error {
	var errs []error
	for _, pj := range provisioned {
		err := s.call(ctx, jobs.Job{Name: pj.Name}, func(ctx context.Context, j jobs.Job) error {
			return s.jobs.DeleteJob(ctx, j.Name)
		})
		if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete job %s: %w", pj.Name, err))
		}
	}
	return errors.Join(errs...)
}

// call runs one scheduler operation with the per-call timeout and retry policy, returning
// the operation's own last error.
func (s *Scheduler) call(ctx context.Context, job jobs.Job, op func(context.Context, jobs.Job) error) error {
	var last error
	_, err := s.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		last = op(callCtx, job)
		if last != nil && errors.Is(last, context.DeadlineExceeded) && ctx.Err() == nil {
			last = fmt.Errorf("scheduler call timed out after %s: %w", s.cfg.CallTimeout, last)
		}
		return struct{}{}, last
	})
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}

func purposeLabel(action models.JobAction) string {
	switch action {
	case models.JobActionOnSale:
		return "on_sale"
	case models.JobActionClosed:
		return "closed"
	}
	return "unknown"
}
