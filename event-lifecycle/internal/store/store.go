package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned by conditional writes when the stored status no longer matches.
	ErrStaleState = errors.New("stored state changed")
)

// Store persists the Event/Session aggregate and event membership. Every write that changes
// a status is conditional on the status the caller read.
type Store interface {
	CreateEvent(ctx context.Context, ev models.Event) (models.Event, error)
	GetEvent(ctx context.Context, id uuid.UUID) (models.Event, error)
	// SaveEvent writes the event's status fields, every session's resolved sales start and the
	// given session status changes in one transaction, provided the event is still in status
	// from. Session statuses are only written through changes; a session no longer in its
	// change's From status keeps the status it moved to.
	SaveEvent(ctx context.Context, ev models.Event, from models.EventStatus, changes []SessionChange) error
	// DeleteEvent removes the event and its sessions if it is still in status from.
	DeleteEvent(ctx context.Context, id uuid.UUID, from models.EventStatus) error
	ListSchedulingPending(ctx context.Context, limit int) ([]models.Event, error)

	GetSession(ctx context.Context, id uuid.UUID) (models.EventSession, error)
	// TransitionSession moves a session to status to if its current status is one of from,
	// reporting whether the row changed.
	TransitionSession(ctx context.Context, id uuid.UUID, from []models.SessionStatus, to models.SessionStatus) (bool, error)

	AddMember(ctx context.Context, eventID, userID uuid.UUID, role string) error
	RemoveMember(ctx context.Context, eventID, userID uuid.UUID) error
	IsOwner(ctx context.Context, eventID, userID uuid.UUID) (bool, error)
	HasRole(ctx context.Context, eventID, userID uuid.UUID, role string) (bool, error)

	Ping(ctx context.Context) error
}

// SessionChange moves a session from the status it was read in to To.
type SessionChange struct {
	ID   uuid.UUID
	From models.SessionStatus
	To   models.SessionStatus
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
