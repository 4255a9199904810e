package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionEditable(t *testing.T) {
	now := time.Date(2031, 9, 10, 18, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)
	at := func(v time.Time) *time.Time { return &v }

	cases := []struct {
		name       string
		salesStart *time.Time
		end        *time.Time
		want       bool
	}{
		{"no sales start and no end", nil, nil, true},
		{"both in the future", at(later), at(later), true},
		{"sales start reached", at(now), at(later), false},
		{"end reached", at(later), at(now), false},
		{"sales already open", at(earlier), nil, false},
		{"ended without sales start", nil, at(earlier), false},
		{"only sales start ahead", at(later), nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := EventSession{SalesStartTime: tc.salesStart, EndTime: tc.end}
			assert.Equal(t, tc.want, sess.Editable(now))
		})
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, EventStatusApproved.Valid())
	assert.False(t, EventStatus("ARCHIVED").Valid())
	assert.True(t, SessionStatusSoldOut.Valid())
	assert.False(t, SessionStatus("").Valid())
	assert.True(t, JobActionClosed.Valid())
	assert.False(t, JobAction("REFUND").Valid())
}

func TestEventTransitions(t *testing.T) {
	assert.True(t, EventStatusPending.CanTransitionTo(EventStatusApproved))
	assert.True(t, EventStatusPending.CanTransitionTo(EventStatusDeleted))
	assert.False(t, EventStatusPending.CanTransitionTo(EventStatusPending))
	assert.False(t, EventStatusApproved.CanTransitionTo(EventStatusRejected))
	assert.False(t, EventStatusRejected.CanTransitionTo(EventStatusApproved))
}
