package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

type fakeProducer struct {
	mu       sync.Mutex
	messages map[string][]byte
	fail     func(key string) error
}

func (f *fakeProducer) ProduceJSON(ctx context.Context, key []byte, v any) (int, int64, time.Time, error) {
	if f.fail != nil {
		if err := f.fail(string(key)); err != nil {
			return -1, -1, time.Time{}, err
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return -1, -1, time.Time{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = map[string][]byte{}
	}
	f.messages[string(key)] = b
	return -1, -1, time.Now().UTC(), nil
}

type failedCall struct {
	name    string
	retryAt time.Time
	cause   string
}

type fakeDueStore struct {
	mu        sync.Mutex
	due       []DueJob
	completed []string
	failed    []failedCall
	claims    int
}

func (f *fakeDueStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]DueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if len(f.due) > limit {
		out := f.due[:limit]
		f.due = f.due[limit:]
		return out, nil
	}
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeDueStore) Complete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, name)
	return nil
}

func (f *fakeDueStore) Fail(ctx context.Context, name string, retryAt time.Time, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failedCall{name: name, retryAt: retryAt, cause: cause})
	return nil
}

func dueJob(t *testing.T, action models.JobAction, attempts int) DueJob {
	t.Helper()
	job, err := NewSessionJob(uuid.New(), action, pgNow.Add(-time.Second))
	require.NoError(t, err)
	return DueJob{Job: job, Attempts: attempts}
}

func TestDispatchOnceDeliversAndCompletes(t *testing.T) {
	onSale := dueJob(t, models.JobActionOnSale, 1)
	closed := dueJob(t, models.JobActionClosed, 1)
	store := &fakeDueStore{due: []DueJob{onSale, closed}}
	prod := &fakeProducer{}

	d := NewDispatcher(store, prod, DispatcherConfig{
		BatchSize: 10,
		Now:       func() time.Time { return pgNow },
		Logger:    zerolog.Nop(),
	})

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{onSale.Name, closed.Name}, store.completed)
	assert.Empty(t, store.failed)

	var fired FiredJob
	require.NoError(t, json.Unmarshal(prod.messages[onSale.Payload.SessionID.String()], &fired))
	assert.Equal(t, onSale.Name, fired.JobName)
	assert.Equal(t, onSale.Payload.SessionID, fired.SessionID)
	assert.Equal(t, models.JobActionOnSale, fired.Action)
	assert.True(t, pgNow.Equal(fired.FiredAt))
}

func TestDispatchOnceFailureReschedulesWithBackoff(t *testing.T) {
	job := dueJob(t, models.JobActionOnSale, 3)
	store := &fakeDueStore{due: []DueJob{job}}
	prod := &fakeProducer{fail: func(string) error { return errors.New("broker unavailable") }}

	d := NewDispatcher(store, prod, DispatcherConfig{
		RetryBase: time.Second,
		RetryMax:  time.Minute,
		Now:       func() time.Time { return pgNow },
		Logger:    zerolog.Nop(),
	})

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.completed)
	require.Len(t, store.failed, 1)
	assert.Equal(t, job.Name, store.failed[0].name)
	assert.Equal(t, pgNow.Add(4*time.Second), store.failed[0].retryAt)
	assert.Contains(t, store.failed[0].cause, "broker unavailable")
}

func TestDispatcherBackoffCapped(t *testing.T) {
	d := NewDispatcher(&fakeDueStore{}, &fakeProducer{}, DispatcherConfig{RetryBase: time.Second, RetryMax: 10 * time.Second})
	assert.Equal(t, time.Second, d.backoff(0))
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 8*time.Second, d.backoff(4))
	assert.Equal(t, 10*time.Second, d.backoff(5))
	assert.Equal(t, 10*time.Second, d.backoff(40))
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &fakeDueStore{due: []DueJob{dueJob(t, models.JobActionClosed, 1)}}
	d := NewDispatcher(store, &fakeProducer{}, DispatcherConfig{
		PollInterval: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.completed) == 1 && store.claims >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
