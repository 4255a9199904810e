// Package jobs is the one-shot job scheduler collaborator: uniquely named jobs that deliver a
// small payload to the session-jobs queue once, at a target instant.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

var (
	// ErrConflict is returned by CreateJob when a job with the same name already exists.
	ErrConflict = errors.New("job already exists")
	// ErrNotFound is returned by UpdateJob/DeleteJob when no pending job has the name.
	ErrNotFound = errors.New("job not found")
	// ErrPastTarget is returned when a job targets an instant the scheduler considers past.
	ErrPastTarget = errors.New("job target is in the past")
)

// Scheduler creates, updates and deletes named one-shot jobs.
type Scheduler interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, name string) error
}

type Payload struct {
	SessionID uuid.UUID        `json:"sessionId"`
	Action    models.JobAction `json:"action"`
}

type Job struct {
	Name    string
	RunAt   time.Time
	Payload Payload
}

// FiredJob is the envelope delivered to the queue when a job fires.
type FiredJob struct {
	JobName     string           `json:"jobName"`
	SessionID   uuid.UUID        `json:"sessionId"`
	Action      models.JobAction `json:"action"`
	ScheduledAt time.Time        `json:"scheduledAt"`
	FiredAt     time.Time        `json:"firedAt"`
}

const (
	onSalePrefix = "session-onsale-"
	closedPrefix = "session-closed-"
)

func OnSaleJobName(sessionID uuid.UUID) string {
	return onSalePrefix + sessionID.String()
}

func ClosedJobName(sessionID uuid.UUID) string {
	return closedPrefix + sessionID.String()
}

// NameFor returns the deterministic job name for a session and action.
func NameFor(sessionID uuid.UUID, action models.JobAction) (string, error) {
	switch action {
	case models.JobActionOnSale:
		return OnSaleJobName(sessionID), nil
	case models.JobActionClosed:
		return ClosedJobName(sessionID), nil
	}
	return "", fmt.Errorf("no job name for action %q", action)
}

// NewSessionJob builds the job for a session action at runAt.
func NewSessionJob(sessionID uuid.UUID, action models.JobAction, runAt time.Time) (Job, error) {
	name, err := NameFor(sessionID, action)
	if err != nil {
		return Job{}, err
	}
	return Job{
		Name:    name,
		RunAt:   runAt,
		Payload: Payload{SessionID: sessionID, Action: action},
	}, nil
}
