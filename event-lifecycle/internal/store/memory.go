package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[uuid.UUID]models.Event
	sessions map[uuid.UUID]models.EventSession
	order    map[uuid.UUID][]uuid.UUID
	members  map[uuid.UUID]map[uuid.UUID]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   map[uuid.UUID]models.Event{},
		sessions: map[uuid.UUID]models.EventSession{},
		order:    map[uuid.UUID][]uuid.UUID{},
		members:  map[uuid.UUID]map[uuid.UUID]string{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now

	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(ev.Sessions))
	for i := range ev.Sessions {
		sess := &ev.Sessions[i]
		if sess.ID == uuid.Nil {
			sess.ID = uuid.New()
		}
		sess.EventID = ev.ID
		sess.UpdatedAt = now
		m.sessions[sess.ID] = *sess
		ids = append(ids, sess.ID)
	}
	m.order[ev.ID] = ids
	stored := ev
	stored.Sessions = nil
	m.events[ev.ID] = stored
	return m.eventLocked(ev.ID), nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id uuid.UUID) (models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.events[id]; !ok {
		return models.Event{}, ErrNotFound
	}
	return m.eventLocked(id), nil
}

func (m *MemoryStore) eventLocked(id uuid.UUID) models.Event {
	ev := m.events[id]
	ev.Sessions = make([]models.EventSession, 0, len(m.order[id]))
	for _, sid := range m.order[id] {
		ev.Sessions = append(ev.Sessions, m.sessions[sid])
	}
	sort.SliceStable(ev.Sessions, func(i, j int) bool {
		a, b := ev.Sessions[i].StartTime, ev.Sessions[j].StartTime
		if a == nil || b == nil {
			return a != nil
		}
		return a.Before(*b)
	})
	return ev
}

func (m *MemoryStore) SaveEvent(ctx context.Context, ev models.Event, from models.EventStatus, changes []SessionChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.events[ev.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrStaleState
	}
	now := time.Now().UTC()
	stored.Status = ev.Status
	stored.RejectionReason = ev.RejectionReason
	stored.SchedulingPending = ev.SchedulingPending
	stored.UpdatedAt = now
	m.events[ev.ID] = stored

	for _, sess := range ev.Sessions {
		cur, ok := m.sessions[sess.ID]
		if !ok || cur.EventID != ev.ID {
			continue
		}
		cur.SalesStartTime = sess.SalesStartTime
		cur.UpdatedAt = now
		m.sessions[sess.ID] = cur
	}
	for _, c := range changes {
		cur, ok := m.sessions[c.ID]
		if !ok || cur.EventID != ev.ID || cur.Status != c.From {
			continue
		}
		cur.Status = c.To
		cur.UpdatedAt = now
		m.sessions[c.ID] = cur
	}
	return nil
}

func (m *MemoryStore) DeleteEvent(ctx context.Context, id uuid.UUID, from models.EventStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	if ev.Status != from {
		return ErrStaleState
	}
	for _, sid := range m.order[id] {
		delete(m.sessions, sid)
	}
	delete(m.order, id)
	delete(m.members, id)
	delete(m.events, id)
	return nil
}

func (m *MemoryStore) ListSchedulingPending(ctx context.Context, limit int) ([]models.Event, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Event
	for id, ev := range m.events {
		if ev.SchedulingPending && ev.Status == models.EventStatusApproved {
			out = append(out, m.eventLocked(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (models.EventSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return models.EventSession{}, ErrNotFound
	}
	return sess, nil
}

func (m *MemoryStore) TransitionSession(ctx context.Context, id uuid.UUID, from []models.SessionStatus, to models.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || !slices.Contains(from, sess.Status) {
		return false, nil
	}
	sess.Status = to
	sess.UpdatedAt = time.Now().UTC()
	m.sessions[id] = sess
	return true, nil
}

func (m *MemoryStore) AddMember(ctx context.Context, eventID, userID uuid.UUID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return ErrNotFound
	}
	if m.members[eventID] == nil {
		m.members[eventID] = map[uuid.UUID]string{}
	}
	m.members[eventID][userID] = role
	return nil
}

func (m *MemoryStore) RemoveMember(ctx context.Context, eventID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[eventID][userID]; !ok {
		return ErrNotFound
	}
	delete(m.members[eventID], userID)
	return nil
}

func (m *MemoryStore) IsOwner(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[eventID]
	return ok && ev.OwnerID == userID, nil
}

func (m *MemoryStore) HasRole(ctx context.Context, eventID, userID uuid.UUID, role string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	got, ok := m.members[eventID][userID]
	return ok && got == role, nil
}
