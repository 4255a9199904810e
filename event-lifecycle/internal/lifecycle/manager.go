// Package lifecycle owns the Event/Session state machine: approval, rejection and deletion of
// pending events, and the session transitions triggered when scheduled jobs fire.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagepass/platform/event-lifecycle/internal/audit"
	"github.com/stagepass/platform/event-lifecycle/internal/metrics"
	"github.com/stagepass/platform/event-lifecycle/internal/models"
	"github.com/stagepass/platform/event-lifecycle/internal/ownership"
	"github.com/stagepass/platform/event-lifecycle/internal/salesrule"
	"github.com/stagepass/platform/event-lifecycle/internal/scheduling"
	"github.com/stagepass/platform/event-lifecycle/internal/store"
)

var (
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = store.ErrNotFound
)

// EventScheduler provisions the jobs for an event's sessions.
type EventScheduler interface {
	ScheduleEvent(ctx context.Context, ev *models.Event) (scheduling.Result, error)
	Revoke(ctx context.Context, provisioned []scheduling.ProvisionedJob) error
}

type Config struct {
	// AcceptPartialScheduling persists an approval whose scheduling pass failed for some
	// sessions, flagging the event for reconciliation instead of discarding the approval.
	AcceptPartialScheduling bool

	Now    func() time.Time
	Logger zerolog.Logger
}

type Manager struct {
	store     store.Store
	scheduler EventScheduler
	rules     *salesrule.Evaluator
	recorder  audit.Recorder
	evictor   ownership.Evictor
	cfg       Config
	log       zerolog.Logger
}

func NewManager(st store.Store, scheduler EventScheduler, recorder audit.Recorder, evictor ownership.Evictor, cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if recorder == nil {
		recorder = audit.LogRecorder{Logger: cfg.Logger}
	}
	if evictor == nil {
		evictor = ownership.NopEvictor{}
	}
	return &Manager{
		store:     st,
		scheduler: scheduler,
		rules:     salesrule.New(cfg.Now),
		recorder:  recorder,
		evictor:   evictor,
		cfg:       cfg,
		log:       cfg.Logger,
	}
}

type NewSession struct {
	StartTime      *time.Time
	EndTime        *time.Time
	SalesStartRule models.SalesStartRule
	SalesStartTime *time.Time
}

type NewEvent struct {
	Title    string
	Sessions []NewSession
}

// Create stores a new PENDING event owned by ownerID. Sale-start rules are validated here so
// a malformed rule never reaches approval.
func (m *Manager) Create(ctx context.Context, ownerID uuid.UUID, in NewEvent) (models.Event, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return models.Event{}, fmt.Errorf("%w: title required", ErrInvalidArgument)
	}
	if ownerID == uuid.Nil {
		return models.Event{}, fmt.Errorf("%w: owner required", ErrInvalidArgument)
	}

	ev := models.Event{
		OwnerID: ownerID,
		Title:   title,
		Status:  models.EventStatusPending,
	}
	for i, s := range in.Sessions {
		if s.StartTime != nil && s.EndTime != nil && !s.EndTime.After(*s.StartTime) {
			return models.Event{}, fmt.Errorf("%w: session %d ends before it starts", ErrInvalidArgument, i)
		}
		if !s.SalesStartRule.IsZero() {
			if err := salesrule.Validate(s.SalesStartRule); err != nil {
				return models.Event{}, fmt.Errorf("session %d: %w", i, err)
			}
		}
		ev.Sessions = append(ev.Sessions, models.EventSession{
			StartTime:      s.StartTime,
			EndTime:        s.EndTime,
			SalesStartRule: s.SalesStartRule,
			SalesStartTime: s.SalesStartTime,
			Status:         models.SessionStatusScheduled,
		})
	}

	created, err := m.store.CreateEvent(ctx, ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("create event: %w", err)
	}
	m.record(ctx, audit.Transition{
		Entity:   audit.EntityEvent,
		EntityID: created.ID,
		EventID:  created.ID,
		To:       string(models.EventStatusPending),
		Actor:    &ownerID,
	})
	return created, nil
}

func (m *Manager) Get(ctx context.Context, eventID uuid.UUID) (models.Event, error) {
	return m.store.GetEvent(ctx, eventID)
}

// Approve moves a PENDING event to APPROVED. Sessions that already ended are cancelled and the
// rest are scheduled before anything is persisted, so a failed pass leaves the event PENDING
// and approval can simply be retried. With AcceptPartialScheduling the approval is kept,
// flagged as pending scheduling, and the *scheduling.Fault is returned with the event.
func (m *Manager) Approve(ctx context.Context, eventID, actorID uuid.UUID) (models.Event, error) {
	ev, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return models.Event{}, err
	}
	if !ev.Status.CanTransitionTo(models.EventStatusApproved) {
		return models.Event{}, fmt.Errorf("%w: cannot approve event in status %s", ErrInvalidState, ev.Status)
	}
	log := m.log.With().Str("event_id", ev.ID.String()).Logger()
	now := m.cfg.Now()

	if err := m.resolveSalesStarts(&ev); err != nil {
		return models.Event{}, err
	}

	var cancelled []store.SessionChange
	for i := range ev.Sessions {
		sess := &ev.Sessions[i]
		if sess.Status.IsTerminal() || !sess.Ended(now) {
			continue
		}
		cancelled = append(cancelled, store.SessionChange{ID: sess.ID, From: sess.Status, To: models.SessionStatusCancelled})
		sess.Status = models.SessionStatusCancelled
		log.Info().Str("session_id", sess.ID.String()).Time("end_time", *sess.EndTime).
			Msg("session already ended; cancelled on approval")
	}

	ev.Status = models.EventStatusApproved
	res, schedErr := m.scheduler.ScheduleEvent(ctx, &ev)
	if schedErr != nil {
		fault, ok := scheduling.AsFault(schedErr)
		if !ok || !m.cfg.AcceptPartialScheduling {
			m.revoke(ctx, log, res.Provisioned)
			return models.Event{}, schedErr
		}
		ev.SchedulingPending = true
		log.Warn().Err(fault).Int("failed_sessions", len(fault.Sessions)).
			Msg("approving with pending scheduling; reconciler will retry")
	}

	// Scheduled sessions are not written back: a job fired during this pass may already have
	// moved them on.
	if err := m.store.SaveEvent(ctx, ev, models.EventStatusPending, cancelled); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			// Someone else moved the event; only a concurrent approval may keep the jobs.
			if cur, gerr := m.store.GetEvent(ctx, ev.ID); gerr != nil || cur.Status != models.EventStatusApproved {
				m.revoke(ctx, log, res.Provisioned)
			}
			return models.Event{}, fmt.Errorf("%w: event %s changed during approval", ErrInvalidState, ev.ID)
		}
		m.revoke(ctx, log, res.Provisioned)
		return models.Event{}, fmt.Errorf("save approved event: %w", err)
	}

	m.record(ctx, audit.Transition{
		Entity:   audit.EntityEvent,
		EntityID: ev.ID,
		EventID:  ev.ID,
		From:     string(models.EventStatusPending),
		To:       string(models.EventStatusApproved),
		Actor:    &actorID,
	})
	for _, c := range cancelled {
		m.record(ctx, audit.Transition{
			Entity:   audit.EntitySession,
			EntityID: c.ID,
			EventID:  ev.ID,
			From:     string(c.From),
			To:       string(models.SessionStatusCancelled),
			Actor:    &actorID,
			Reason:   "ended before approval",
		})
	}
	log.Info().Int("cancelled_sessions", len(cancelled)).Bool("scheduling_pending", ev.SchedulingPending).Msg("event approved")
	if fresh, err := m.store.GetEvent(ctx, ev.ID); err == nil {
		ev = fresh
	}

	if ev.SchedulingPending {
		return ev, schedErr
	}
	return ev, nil
}

// revoke removes jobs provisioned for an approval that did not persist; the event stays
// PENDING and its sessions must not go on sale.
func (m *Manager) revoke(ctx context.Context, log zerolog.Logger, provisioned []scheduling.ProvisionedJob) {
	if len(provisioned) == 0 {
		return
	}
	if err := m.scheduler.Revoke(context.WithoutCancel(ctx), provisioned); err != nil {
		log.Error().Err(err).Int("jobs", len(provisioned)).Msg("revoke jobs of failed approval")
	}
}

// resolveSalesStarts fills SalesStartTime from the session's rule where no instant was supplied.
func (m *Manager) resolveSalesStarts(ev *models.Event) error {
	for i := range ev.Sessions {
		sess := &ev.Sessions[i]
		if sess.Status.IsTerminal() || sess.SalesStartTime != nil || sess.SalesStartRule.IsZero() || sess.StartTime == nil {
			continue
		}
		at, err := m.rules.ResolveSalesStart(sess.SalesStartRule, *sess.StartTime)
		if err != nil {
			return fmt.Errorf("session %s: %w", sess.ID, err)
		}
		sess.SalesStartTime = &at
	}
	return nil
}

func (m *Manager) Reject(ctx context.Context, eventID, actorID uuid.UUID, reason string) (models.Event, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.Event{}, fmt.Errorf("%w: rejection reason required", ErrInvalidArgument)
	}
	ev, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return models.Event{}, err
	}
	if !ev.Status.CanTransitionTo(models.EventStatusRejected) {
		return models.Event{}, fmt.Errorf("%w: cannot reject event in status %s", ErrInvalidState, ev.Status)
	}

	ev.Status = models.EventStatusRejected
	ev.RejectionReason = reason
	if err := m.store.SaveEvent(ctx, ev, models.EventStatusPending, nil); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return models.Event{}, fmt.Errorf("%w: event %s changed during rejection", ErrInvalidState, ev.ID)
		}
		return models.Event{}, fmt.Errorf("save rejected event: %w", err)
	}
	m.record(ctx, audit.Transition{
		Entity:   audit.EntityEvent,
		EntityID: ev.ID,
		EventID:  ev.ID,
		From:     string(models.EventStatusPending),
		To:       string(models.EventStatusRejected),
		Actor:    &actorID,
		Reason:   reason,
	})
	return ev, nil
}

// Delete removes a PENDING event and its sessions. Pending events have no jobs, so the
// scheduler is not involved; cached ownership decisions for the event are evicted.
func (m *Manager) Delete(ctx context.Context, eventID, actorID uuid.UUID) error {
	ev, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if !ev.Status.CanTransitionTo(models.EventStatusDeleted) {
		return fmt.Errorf("%w: cannot delete event in status %s", ErrInvalidState, ev.Status)
	}
	if err := m.store.DeleteEvent(ctx, eventID, models.EventStatusPending); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return fmt.Errorf("%w: event %s changed during deletion", ErrInvalidState, eventID)
		}
		return fmt.Errorf("delete event: %w", err)
	}
	if err := m.evictor.EvictResource(ctx, eventID); err != nil {
		m.log.Warn().Err(err).Str("event_id", eventID.String()).Msg("ownership cache eviction failed")
	}
	m.record(ctx, audit.Transition{
		Entity:   audit.EntityEvent,
		EntityID: eventID,
		EventID:  eventID,
		From:     string(models.EventStatusPending),
		To:       string(models.EventStatusDeleted),
		Actor:    &actorID,
	})
	return nil
}

// OnJobFired applies the session transition for a fired job. Deliveries are at least once, so
// anything other than the expected source status is a no-op, as is an unknown session.
func (m *Manager) OnJobFired(ctx context.Context, sessionID uuid.UUID, action models.JobAction) error {
	var (
		from []models.SessionStatus
		to   models.SessionStatus
	)
	switch action {
	case models.JobActionOnSale:
		from, to = []models.SessionStatus{models.SessionStatusScheduled}, models.SessionStatusOnSale
	case models.JobActionClosed:
		from, to = []models.SessionStatus{models.SessionStatusScheduled, models.SessionStatusOnSale}, models.SessionStatusClosed
	default:
		return fmt.Errorf("%w: unknown job action %q", ErrInvalidArgument, action)
	}
	log := m.log.With().Str("session_id", sessionID.String()).Str("action", string(action)).Logger()

	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("job fired for unknown session; discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !slices.Contains(from, sess.Status) {
		log.Debug().Str("status", string(sess.Status)).Msg("job fired; session already past it")
		return nil
	}

	changed, err := m.store.TransitionSession(ctx, sessionID, from, to)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if !changed {
		log.Debug().Msg("session changed concurrently; job fire ignored")
		return nil
	}
	m.record(ctx, audit.Transition{
		Entity:   audit.EntitySession,
		EntityID: sessionID,
		EventID:  sess.EventID,
		From:     string(sess.Status),
		To:       string(to),
		Reason:   "job fired",
	})
	log.Info().Str("from", string(sess.Status)).Str("to", string(to)).Msg("session transitioned")
	return nil
}

type ReconcileReport struct {
	Attempted int
	Recovered int
}

// Reconcile re-runs scheduling for approved events still flagged as pending scheduling and
// clears the flag once every session is scheduled.
func (m *Manager) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	events, err := m.store.ListSchedulingPending(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list scheduling pending: %w", err)
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Attempted++
		if _, err := m.scheduler.ScheduleEvent(ctx, &ev); err != nil {
			m.log.Warn().Err(err).Str("event_id", ev.ID.String()).Msg("reconcile: event still not fully scheduled")
			continue
		}
		ev.SchedulingPending = false
		if err := m.store.SaveEvent(ctx, ev, models.EventStatusApproved, nil); err != nil {
			m.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("reconcile: clear scheduling flag")
			continue
		}
		report.Recovered++
		m.log.Info().Str("event_id", ev.ID.String()).Msg("reconcile: event fully scheduled")
	}
	return report, nil
}

func (m *Manager) record(ctx context.Context, t audit.Transition) {
	t.Fill(m.cfg.Now())
	metrics.TransitionsTotal.WithLabelValues(t.Entity, t.To).Inc()
	if err := m.recorder.Record(ctx, t); err != nil {
		m.log.Warn().Err(err).Str("entity", t.Entity).Str("entity_id", t.EntityID.String()).Msg("record transition failed")
	}
}
