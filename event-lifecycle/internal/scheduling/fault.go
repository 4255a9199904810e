package scheduling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stagepass/platform/event-lifecycle/internal/models"
)

// ErrSchedulingFault matches any *Fault via errors.Is.
var ErrSchedulingFault = errors.New("scheduling fault")

// SessionFault is one session whose job could not be provisioned.
type SessionFault struct {
	SessionID uuid.UUID
	Action    models.JobAction
	Err       error
}

// Fault aggregates every session of one scheduling pass that could not be scheduled.
type Fault struct {
	EventID  uuid.UUID
	Sessions []SessionFault
}

func (f *Fault) Error() string {
	parts := make([]string, 0, len(f.Sessions))
	for _, s := range f.Sessions {
		parts = append(parts, fmt.Sprintf("session %s (%s): %v", s.SessionID, s.Action, s.Err))
	}
	return fmt.Sprintf("scheduling fault for event %s: %d session(s) not scheduled: %s",
		f.EventID, len(f.Sessions), strings.Join(parts, "; "))
}

func (f *Fault) Is(target error) bool {
	return target == ErrSchedulingFault
}

func (f *Fault) Unwrap() []error {
	errs := make([]error, 0, len(f.Sessions))
	for _, s := range f.Sessions {
		errs = append(errs, s.Err)
	}
	return errs
}

// SessionIDs returns the ids of the sessions that failed, in pass order.
func (f *Fault) SessionIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(f.Sessions))
	for _, s := range f.Sessions {
		ids = append(ids, s.SessionID)
	}
	return ids
}

// AsFault unwraps err into a *Fault when it is one.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
