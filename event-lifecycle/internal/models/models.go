package models

import (
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventStatusPending  EventStatus = "PENDING"
	EventStatusApproved EventStatus = "APPROVED"
	EventStatusRejected EventStatus = "REJECTED"
	EventStatusDeleted  EventStatus = "DELETED"
)

// Valid reports whether s is one of the known event statuses.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusApproved, EventStatusRejected, EventStatusDeleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether the event state machine permits s -> next.
// Only PENDING events move; every other status is terminal here.
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	switch s {
	case EventStatusPending:
		switch next {
		case EventStatusApproved, EventStatusRejected, EventStatusDeleted:
			return true
		case EventStatusPending:
			return false
		}
		return false
	case EventStatusApproved, EventStatusRejected, EventStatusDeleted:
		return false
	}
	return false
}

type SessionStatus string

const (
	SessionStatusScheduled SessionStatus = "SCHEDULED"
	SessionStatusOnSale    SessionStatus = "ON_SALE"
	SessionStatusClosed    SessionStatus = "CLOSED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
	SessionStatusSoldOut   SessionStatus = "SOLD_OUT"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusOnSale, SessionStatusClosed, SessionStatusCancelled, SessionStatusSoldOut:
		return true
	}
	return false
}

// IsTerminal reports whether the session can never be scheduled again.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCancelled, SessionStatusSoldOut, SessionStatusClosed:
		return true
	case SessionStatusScheduled, SessionStatusOnSale:
		return false
	}
	return false
}

type JobAction string

const (
	JobActionOnSale JobAction = "ON_SALE"
	JobActionClosed JobAction = "CLOSED"
)

func (a JobAction) Valid() bool {
	switch a {
	case JobActionOnSale, JobActionClosed:
		return true
	}
	return false
}

type RuleKind string

const (
	RuleImmediate          RuleKind = "IMMEDIATE"
	RuleFixedAt            RuleKind = "FIXED_AT"
	RuleRollingHoursBefore RuleKind = "ROLLING_HOURS_BEFORE"
)

// SalesStartRule is a tagged variant: FixedAt is only meaningful for RuleFixedAt and
// HoursBefore only for RuleRollingHoursBefore. A zero Kind means no rule was supplied.
type SalesStartRule struct {
	Kind        RuleKind   `json:"kind,omitempty"`
	FixedAt     *time.Time `json:"fixedAt,omitempty"`
	HoursBefore *int       `json:"hoursBefore,omitempty"`
}

func (r SalesStartRule) IsZero() bool {
	return r.Kind == ""
}

func ImmediateRule() SalesStartRule {
	return SalesStartRule{Kind: RuleImmediate}
}

func FixedAtRule(t time.Time) SalesStartRule {
	return SalesStartRule{Kind: RuleFixedAt, FixedAt: &t}
}

func RollingHoursBeforeRule(hours int) SalesStartRule {
	return SalesStartRule{Kind: RuleRollingHoursBefore, HoursBefore: &hours}
}

type Event struct {
	ID                uuid.UUID      `json:"id"`
	OwnerID           uuid.UUID      `json:"ownerId"`
	Title             string         `json:"title"`
	Status            EventStatus    `json:"status"`
	RejectionReason   string         `json:"rejectionReason,omitempty"`
	SchedulingPending bool           `json:"schedulingPending"`
	Sessions          []EventSession `json:"sessions"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

type EventSession struct {
	ID             uuid.UUID      `json:"id"`
	EventID        uuid.UUID      `json:"eventId"`
	StartTime      *time.Time     `json:"startTime,omitempty"`
	EndTime        *time.Time     `json:"endTime,omitempty"`
	SalesStartRule SalesStartRule `json:"salesStartRule"`
	SalesStartTime *time.Time     `json:"salesStartTime,omitempty"`
	Status         SessionStatus  `json:"status"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Editable reports whether upstream editors may still mutate or delete the session.
func (s EventSession) Editable(now time.Time) bool {
	if s.SalesStartTime != nil && !now.Before(*s.SalesStartTime) {
		return false
	}
	if s.EndTime != nil && !now.Before(*s.EndTime) {
		return false
	}
	return true
}

// Ended reports whether the session's end time has already passed at now.
func (s EventSession) Ended(now time.Time) bool {
	return s.EndTime != nil && s.EndTime.Before(now)
}
