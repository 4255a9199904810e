package ownership

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemberStore persists per-event roles.
type MemberStore interface {
	AddMember(ctx context.Context, eventID, userID uuid.UUID, role string) error
	RemoveMember(ctx context.Context, eventID, userID uuid.UUID) error
}

// Registry performs ownership-affecting writes and evicts the resource's cached decisions
// before reporting success.
type Registry struct {
	members MemberStore
	evictor Evictor
	log     zerolog.Logger
}

func NewRegistry(members MemberStore, evictor Evictor, logger zerolog.Logger) *Registry {
	if evictor == nil {
		evictor = NopEvictor{}
	}
	return &Registry{members: members, evictor: evictor, log: logger}
}

func (r *Registry) Grant(ctx context.Context, eventID, userID uuid.UUID, role string) error {
	if role == "" {
		return fmt.Errorf("role required")
	}
	if err := r.members.AddMember(ctx, eventID, userID, role); err != nil {
		return err
	}
	r.Evict(ctx, eventID)
	return nil
}

func (r *Registry) Revoke(ctx context.Context, eventID, userID uuid.UUID) error {
	if err := r.members.RemoveMember(ctx, eventID, userID); err != nil {
		return err
	}
	r.Evict(ctx, eventID)
	return nil
}

// Evict drops cached decisions for resourceID. A failed eviction is logged and otherwise
// ignored; the entries expire with their TTL.
func (r *Registry) Evict(ctx context.Context, resourceID uuid.UUID) {
	if err := r.evictor.EvictResource(ctx, resourceID); err != nil {
		r.log.Warn().Err(err).Str("resource_id", resourceID.String()).Msg("ownership cache eviction failed")
	}
}
