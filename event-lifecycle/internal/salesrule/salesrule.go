// Package salesrule resolves a session's sale-start rule into the absolute instant ticket
// sales open.
package salesrule

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

var ErrInvalidRule = errors.New("invalid sales start rule")

// MaxHoursBefore is the largest rolling offset a time.Duration can hold (about 292 years).
const MaxHoursBefore = math.MaxInt64 / int64(time.Hour)

type Evaluator struct {
	// Now is consulted only by the immediate rule. Defaults to time.Now in UTC.
	Now func() time.Time
}

func New(now func() time.Time) *Evaluator {
	return &Evaluator{Now: now}
}

func (e *Evaluator) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// ResolveSalesStart returns when sales should open for a session starting at sessionStart.
func (e *Evaluator) ResolveSalesStart(rule models.SalesStartRule, sessionStart time.Time) (time.Time, error) {
	switch rule.Kind {
	case models.RuleImmediate:
		return e.now(), nil
	case models.RuleFixedAt:
		if rule.FixedAt == nil {
			return time.Time{}, fmt.Errorf("%w: fixed rule requires a datetime", ErrInvalidRule)
		}
		return *rule.FixedAt, nil
	case models.RuleRollingHoursBefore:
		if rule.HoursBefore == nil {
			return time.Time{}, fmt.Errorf("%w: rolling rule requires hours before start", ErrInvalidRule)
		}
		if *rule.HoursBefore < 0 {
			return time.Time{}, fmt.Errorf("%w: hours before start must not be negative (got %d)", ErrInvalidRule, *rule.HoursBefore)
		}
		if int64(*rule.HoursBefore) > MaxHoursBefore {
			return time.Time{}, fmt.Errorf("%w: hours before start exceeds %d (got %d)", ErrInvalidRule, MaxHoursBefore, *rule.HoursBefore)
		}
		return sessionStart.Add(-time.Duration(*rule.HoursBefore) * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, rule.Kind)
}

// Validate checks a rule's shape without resolving it, so callers accepting rules can reject
// malformed ones before approval is attempted.
func Validate(rule models.SalesStartRule) error {
	var e Evaluator
	_, err := e.ResolveSalesStart(rule, time.Time{})
	return err
}
