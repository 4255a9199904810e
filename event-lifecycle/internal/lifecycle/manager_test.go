package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagepass/platform/event-lifecycle/internal/audit"
	"github.com/stagepass/platform/event-lifecycle/internal/jobs"
	"github.com/stagepass/platform/event-lifecycle/internal/models"
	"github.com/stagepass/platform/event-lifecycle/internal/salesrule"
	"github.com/stagepass/platform/event-lifecycle/internal/scheduling"
	"github.com/stagepass/platform/event-lifecycle/internal/store"
)

var now = time.Date(2031, 9, 10, 18, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

type memRecorder struct {
	mu          sync.Mutex
	transitions []audit.Transition
}

func (r *memRecorder) Record(ctx context.Context, t audit.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *memRecorder) to(status string) []audit.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Transition
	for _, t := range r.transitions {
		if t.To == status {
			out = append(out, t)
		}
	}
	return out
}

type countingEvictor struct {
	mu      sync.Mutex
	evicted []uuid.UUID
	err     error
}

func (e *countingEvictor) EvictResource(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, id)
	return e.err
}

type harness struct {
	mgr     *Manager
	store   *store.MemoryStore
	jobs    *jobs.MemoryScheduler
	rec     *memRecorder
	evictor *countingEvictor
}

func newHarness(t *testing.T, acceptPartial bool) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(),
		jobs:    jobs.NewMemoryScheduler(),
		rec:     &memRecorder{},
		evictor: &countingEvictor{},
	}
	clock := func() time.Time { return now }
	sched := scheduling.New(h.jobs, scheduling.Config{
		CallTimeout:   time.Second,
		RetryAttempts: 1,
		Now:           clock,
		Logger:        zerolog.Nop(),
	})
	h.mgr = NewManager(h.store, sched, h.rec, h.evictor, Config{
		AcceptPartialScheduling: acceptPartial,
		Now:                     clock,
		Logger:                  zerolog.Nop(),
	})
	return h
}

func (h *harness) seed(t *testing.T, status models.EventStatus, sessions ...models.EventSession) models.Event {
	t.Helper()
	ev, err := h.store.CreateEvent(context.Background(), models.Event{
		OwnerID:  uuid.New(),
		Title:    "Harbour Lights",
		Status:   status,
		Sessions: sessions,
	})
	require.NoError(t, err)
	return ev
}

func sessionAt(start, end, salesStart *time.Time) models.EventSession {
	return models.EventSession{StartTime: start, EndTime: end, SalesStartTime: salesStart, Status: models.SessionStatusScheduled}
}

func sessionByStatus(t *testing.T, h *harness, id uuid.UUID) models.SessionStatus {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess.Status
}

func TestApproveCancelsEndedSessionsAndSchedulesFutureOnes(t *testing.T) {
	h := newHarness(t, false)
	ev := h.seed(t, models.EventStatusPending,
		sessionAt(at(-5*time.Hour), at(-3*time.Hour), nil),
		sessionAt(at(7*24*time.Hour), at(7*24*time.Hour+2*time.Hour), at(24*time.Hour)),
	)
	past, future := ev.Sessions[0], ev.Sessions[1]
	actor := uuid.New()

	approved, err := h.mgr.Approve(context.Background(), ev.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusApproved, approved.Status)
	assert.False(t, approved.SchedulingPending)

	assert.Equal(t, models.SessionStatusCancelled, sessionByStatus(t, h, past.ID))
	assert.Equal(t, models.SessionStatusScheduled, sessionByStatus(t, h, future.ID))

	all := h.jobs.Jobs()
	require.Len(t, all, 2)
	for _, j := range all {
		assert.Equal(t, future.ID, j.Payload.SessionID)
	}
	_, ok := h.jobs.Job(jobs.OnSaleJobName(past.ID))
	assert.False(t, ok)
	onSale, ok := h.jobs.Job(jobs.OnSaleJobName(future.ID))
	require.True(t, ok)
	assert.Equal(t, now.Add(24*time.Hour), onSale.RunAt)
	closed, ok := h.jobs.Job(jobs.ClosedJobName(future.ID))
	require.True(t, ok)
	assert.Equal(t, *future.EndTime, closed.RunAt)

	stored, err := h.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusApproved, stored.Status)

	require.Len(t, h.rec.to("APPROVED"), 1)
	assert.Equal(t, actor, *h.rec.to("APPROVED")[0].Actor)
	cancelled := h.rec.to("CANCELLED")
	require.Len(t, cancelled, 1)
	assert.Equal(t, past.ID, cancelled[0].EntityID)
}

// firingScheduler delivers every on-sale job as soon as it is provisioned, before Approve has
// persisted anything.
type firingScheduler struct {
	EventScheduler
	mgr *Manager
}

func (f *firingScheduler) ScheduleEvent(ctx context.Context, ev *models.Event) (scheduling.Result, error) {
	res, err := f.EventScheduler.ScheduleEvent(ctx, ev)
	for _, p := range res.Provisioned {
		if p.Action == models.JobActionOnSale {
			if ferr := f.mgr.OnJobFired(ctx, p.SessionID, p.Action); ferr != nil {
				return res, ferr
			}
		}
	}
	return res, err
}

func TestApproveKeepsSessionFiredDuringApproval(t *testing.T) {
	h := newHarness(t, false)
	h.mgr.scheduler = &firingScheduler{EventScheduler: h.mgr.scheduler, mgr: h.mgr}
	ev := h.seed(t, models.EventStatusPending,
		sessionAt(at(-5*time.Hour), at(-3*time.Hour), nil),
		sessionAt(at(7*24*time.Hour), at(7*24*time.Hour+2*time.Hour), at(-24*time.Hour)),
	)
	past, live := ev.Sessions[0], ev.Sessions[1]

	approved, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusOnSale, sessionByStatus(t, h, live.ID))
	assert.Equal(t, models.SessionStatusCancelled, sessionByStatus(t, h, past.ID))
	for _, sess := range approved.Sessions {
		if sess.ID == live.ID {
			assert.Equal(t, models.SessionStatusOnSale, sess.Status)
		}
	}
	require.Len(t, h.rec.to("ON_SALE"), 1)
}

func TestApproveNonPendingFailsWithoutSchedulerCalls(t *testing.T) {
	for _, status := range []models.EventStatus{models.EventStatusApproved, models.EventStatusRejected} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, false)
			ev := h.seed(t, status, sessionAt(at(time.Hour), at(2*time.Hour), nil))

			_, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.Empty(t, h.jobs.Calls())
		})
	}
}

func TestApproveUnknownEvent(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.mgr.Approve(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveWithExistingJobsUpdatesInsteadOfDuplicating(t *testing.T) {
	h := newHarness(t, false)
	ev := h.seed(t, models.EventStatusPending, sessionAt(at(48*time.Hour), at(50*time.Hour), at(time.Hour)))
	sid := ev.Sessions[0].ID

	// Leftovers from an earlier pass for the same session.
	for _, action := range []models.JobAction{models.JobActionOnSale, models.JobActionClosed} {
		job, err := jobs.NewSessionJob(sid, action, now.Add(30*time.Hour))
		require.NoError(t, err)
		require.NoError(t, h.jobs.CreateJob(context.Background(), job))
	}
	h.jobs.ResetCalls()

	_, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	require.NoError(t, err)
	assert.Len(t, h.jobs.Jobs(), 2)
	assert.Equal(t, 2, h.jobs.CountCalls(jobs.OpUpdate))
	onSale, _ := h.jobs.Job(jobs.OnSaleJobName(sid))
	assert.Equal(t, now.Add(time.Hour), onSale.RunAt)
}

func TestApproveClampsPastSalesStart(t *testing.T) {
	h := newHarness(t, false)
	ev := h.seed(t, models.EventStatusPending, sessionAt(at(7*24*time.Hour), nil, at(-24*time.Hour)))

	_, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	require.NoError(t, err)

	job, ok := h.jobs.Job(jobs.OnSaleJobName(ev.Sessions[0].ID))
	require.True(t, ok)
	assert.Equal(t, now, job.RunAt)
}

func TestApproveResolvesSalesStartRules(t *testing.T) {
	h := newHarness(t, false)
	rolling := sessionAt(at(72*time.Hour), nil, nil)
	rolling.SalesStartRule = models.RollingHoursBeforeRule(24)
	fixed := sessionAt(at(72*time.Hour), nil, nil)
	fixed.SalesStartRule = models.FixedAtRule(now.Add(6 * time.Hour))
	immediate := sessionAt(at(72*time.Hour), nil, nil)
	immediate.SalesStartRule = models.ImmediateRule()
	ev := h.seed(t, models.EventStatusPending, rolling, fixed, immediate)

	approved, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	require.NoError(t, err)

	want := []time.Time{now.Add(48 * time.Hour), now.Add(6 * time.Hour), now}
	for i, sess := range approved.Sessions {
		require.NotNil(t, sess.SalesStartTime)
		assert.Equal(t, want[i], *sess.SalesStartTime)
		job, ok := h.jobs.Job(jobs.OnSaleJobName(sess.ID))
		require.True(t, ok)
		assert.Equal(t, want[i], job.RunAt)

		stored, err := h.store.GetSession(context.Background(), sess.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.SalesStartTime)
		assert.Equal(t, want[i], *stored.SalesStartTime)
	}
}

func TestApproveInvalidRuleFailsBeforeScheduling(t *testing.T) {
	h := newHarness(t, false)
	bad := sessionAt(at(72*time.Hour), nil, nil)
	bad.SalesStartRule = models.SalesStartRule{Kind: models.RuleRollingHoursBefore}
	ev := h.seed(t, models.EventStatusPending, bad)

	_, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	assert.ErrorIs(t, err, salesrule.ErrInvalidRule)
	assert.Empty(t, h.jobs.Calls())

	stored, err := h.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, stored.Status)
}

func TestApproveSchedulingFaultLeavesEventPending(t *testing.T) {
	h := newHarness(t, false)
	ev := h.seed(t, models.EventStatusPending,
		sessionAt(at(24*time.Hour), at(26*time.Hour), nil),
		sessionAt(at(48*time.Hour), at(50*time.Hour), nil),
	)
	failing := ev.Sessions[1].ID
	h.jobs.Fail = func(op string, job jobs.Job) error {
		if op == jobs.OpCreate && job.Payload.SessionID == failing {
			return errors.New("scheduler returned 500")
		}
		return nil
	}

	_, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	require.ErrorIs(t, err, scheduling.ErrSchedulingFault)
	fault, ok := scheduling.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, []uuid.UUID{failing}, fault.SessionIDs())

	stored, err := h.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, stored.Status)
	assert.Empty(t, h.jobs.Jobs(), "jobs of an unpersisted approval are revoked")
	assert.Empty(t, h.rec.to("APPROVED"))

	// Retrying once the scheduler recovers succeeds.
	h.jobs.Fail = nil
	_, err = h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	require.NoError(t, err)
	assert.Len(t, h.jobs.Jobs(), 4)
}

func TestApprovePartialSchedulingThenReconcile(t *testing.T) {
	h := newHarness(t, true)
	ev := h.seed(t, models.EventStatusPending,
		sessionAt(at(24*time.Hour), at(26*time.Hour), nil),
		sessionAt(at(48*time.Hour), nil, nil),
	)
	failing := ev.Sessions[1].ID
	h.jobs.Fail = func(op string, job jobs.Job) error {
		if job.Payload.SessionID == failing {
			return errors.New("timeout")
		}
		return nil
	}

	approved, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	require.ErrorIs(t, err, scheduling.ErrSchedulingFault)
	assert.Equal(t, models.EventStatusApproved, approved.Status)
	assert.True(t, approved.SchedulingPending)

	stored, err := h.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusApproved, stored.Status)
	assert.True(t, stored.SchedulingPending)
	assert.Len(t, h.jobs.Jobs(), 2)

	// Still failing: the flag stays.
	report, err := h.mgr.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Attempted: 1, Recovered: 0}, report)

	h.jobs.Fail = nil
	h.jobs.ResetCalls()
	report, err = h.mgr.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Attempted: 1, Recovered: 1}, report)
	assert.Len(t, h.jobs.Jobs(), 3)
	assert.Equal(t, 2, h.jobs.CountCalls(jobs.OpUpdate), "existing jobs are updated, not duplicated")

	stored, err = h.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.False(t, stored.SchedulingPending)

	report, err = h.mgr.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
}

func TestReconcileKeepsSessionFiredDuringPass(t *testing.T) {
	h := newHarness(t, true)
	ev := h.seed(t, models.EventStatusPending, sessionAt(at(48*time.Hour), at(50*time.Hour), at(-time.Hour)))
	sid := ev.Sessions[0].ID
	h.jobs.Fail = func(op string, job jobs.Job) error { return errors.New("unavailable") }

	_, err := h.mgr.Approve(context.Background(), ev.ID, uuid.New())
	require.ErrorIs(t, err, scheduling.ErrSchedulingFault)

	h.jobs.Fail = nil
	h.mgr.scheduler = &firingScheduler{EventScheduler: h.mgr.scheduler, mgr: h.mgr}
	report, err := h.mgr.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Attempted: 1, Recovered: 1}, report)
	assert.Equal(t, models.SessionStatusOnSale, sessionByStatus(t, h, sid))
}

func TestRejectRequiresReason(t *testing.T) {
	h := newHarness(t, false)
	ev := h.seed(t, models.EventStatusPending, sessionAt(at(time.Hour), nil, nil))

	for _, reason := range []string{"", "   \t"} {
		_, err := h.mgr.Reject(context.Background(), ev.ID, uuid.New(), reason)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}

	rejected, err := h.mgr.Reject(context.Background(), ev.ID, uuid.New(), " venue unavailable ")
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusRejected, rejected.Status)
	assert.Equal(t, "venue unavailable", rejected.RejectionReason)
	assert.Empty(t, h.jobs.Calls())

	stored, err := h.store.GetEvent(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusRejected, stored.Status)
	assert.Equal(t, "venue unavailable", stored.RejectionReason)

	_, err = h.mgr.Reject(context.Background(), ev.ID, uuid.New(), "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDelete(t *testing.T) {
	h := newHarness(t, false)
	approved := h.seed(t, models.EventStatusApproved, sessionAt(at(time.Hour), nil, nil))
	pending := h.seed(t, models.EventStatusPending, sessionAt(at(time.Hour), nil, nil))

	err := h.mgr.Delete(context.Background(), approved.ID, uuid.New())
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, h.mgr.Delete(context.Background(), pending.ID, uuid.New()))
	_, err = h.store.GetEvent(context.Background(), pending.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.store.GetSession(context.Background(), pending.Sessions[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []uuid.UUID{pending.ID}, h.evictor.evicted)
	assert.Empty(t, h.jobs.Calls())
}

func TestDeleteSucceedsWhenEvictionFails(t *testing.T) {
	h := newHarness(t, false)
	h.evictor.err = errors.New("redis down")
	ev := h.seed(t, models.EventStatusPending)

	require.NoError(t, h.mgr.Delete(context.Background(), ev.ID, uuid.New()))
	assert.Len(t, h.rec.to("DELETED"), 1)
}

func TestOnJobFiredTransitions(t *testing.T) {
	h := newHarness(t, false)
	ev := h.seed(t, models.EventStatusApproved, sessionAt(at(time.Hour), at(2*time.Hour), nil))
	sid := ev.Sessions[0].ID
	ctx := context.Background()

	require.NoError(t, h.mgr.OnJobFired(ctx, sid, models.JobActionOnSale))
	assert.Equal(t, models.SessionStatusOnSale, sessionByStatus(t, h, sid))

	// Redelivery is a no-op.
	require.NoError(t, h.mgr.OnJobFired(ctx, sid, models.JobActionOnSale))
	assert.Equal(t, models.SessionStatusOnSale, sessionByStatus(t, h, sid))
	assert.Len(t, h.rec.to("ON_SALE"), 1)

	require.NoError(t, h.mgr.OnJobFired(ctx, sid, models.JobActionClosed))
	assert.Equal(t, models.SessionStatusClosed, sessionByStatus(t, h, sid))

	// A late on-sale delivery never reopens a closed session.
	require.NoError(t, h.mgr.OnJobFired(ctx, sid, models.JobActionOnSale))
	assert.Equal(t, models.SessionStatusClosed, sessionByStatus(t, h, sid))
}

func TestOnJobFiredClosedFromScheduled(t *testing.T) {
	h := newHarness(t, false)
	ev := h.seed(t, models.EventStatusApproved, sessionAt(at(time.Hour), at(2*time.Hour), nil))
	sid := ev.Sessions[0].ID

	require.NoError(t, h.mgr.OnJobFired(context.Background(), sid, models.JobActionClosed))
	assert.Equal(t, models.SessionStatusClosed, sessionByStatus(t, h, sid))
}

func TestOnJobFiredRespectsTerminalStates(t *testing.T) {
	for _, status := range []models.SessionStatus{models.SessionStatusCancelled, models.SessionStatusSoldOut} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, false)
			sess := sessionAt(at(time.Hour), at(2*time.Hour), nil)
			sess.Status = status
			ev := h.seed(t, models.EventStatusApproved, sess)
			sid := ev.Sessions[0].ID

			require.NoError(t, h.mgr.OnJobFired(context.Background(), sid, models.JobActionClosed))
			require.NoError(t, h.mgr.OnJobFired(context.Background(), sid, models.JobActionOnSale))
			assert.Equal(t, status, sessionByStatus(t, h, sid))
			assert.Empty(t, h.rec.transitions)
		})
	}
}

func TestOnJobFiredUnknownSessionIsDiscarded(t *testing.T) {
	h := newHarness(t, false)
	assert.NoError(t, h.mgr.OnJobFired(context.Background(), uuid.New(), models.JobActionOnSale))
}

func TestOnJobFiredUnknownAction(t *testing.T) {
	h := newHarness(t, false)
	err := h.mgr.OnJobFired(context.Background(), uuid.New(), "SOLD_OUT")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestOnJobFiredConcurrentDeliveries(t *testing.T) {
	h := newHarness(t, false)
	ev := h.seed(t, models.EventStatusApproved, sessionAt(at(time.Hour), at(2*time.Hour), nil))
	sid := ev.Sessions[0].ID

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.mgr.OnJobFired(context.Background(), sid, models.JobActionOnSale))
		}()
	}
	wg.Wait()
	assert.Equal(t, models.SessionStatusOnSale, sessionByStatus(t, h, sid))
	assert.Len(t, h.rec.to("ON_SALE"), 1)
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t, false)
	owner := uuid.New()

	_, err := h.mgr.Create(context.Background(), owner, NewEvent{Title: " "})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = h.mgr.Create(context.Background(), owner, NewEvent{
		Title:    "Backwards",
		Sessions: []NewSession{{StartTime: at(2 * time.Hour), EndTime: at(time.Hour)}},
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = h.mgr.Create(context.Background(), owner, NewEvent{
		Title:    "Bad rule",
		Sessions: []NewSession{{StartTime: at(time.Hour), SalesStartRule: models.SalesStartRule{Kind: models.RuleFixedAt}}},
	})
	assert.ErrorIs(t, err, salesrule.ErrInvalidRule)

	ev, err := h.mgr.Create(context.Background(), owner, NewEvent{
		Title:    "Open air",
		Sessions: []NewSession{{StartTime: at(time.Hour), EndTime: at(3 * time.Hour), SalesStartRule: models.ImmediateRule()}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, ev.Status)
	assert.Equal(t, owner, ev.OwnerID)
	require.Len(t, ev.Sessions, 1)
	assert.Equal(t, models.SessionStatusScheduled, ev.Sessions[0].Status)
	assert.Empty(t, h.jobs.Calls())
}
