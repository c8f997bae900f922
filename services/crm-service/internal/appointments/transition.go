package appointments

import (
	"errors"
	"fmt"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

var ErrInvalidTransition = errors.New("invalid appointment status transition")

type TransitionError struct {
	From model.AppointmentStatus
	To   model.AppointmentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var edges = map[model.AppointmentStatus][]model.AppointmentStatus{
	model.AppointmentScheduled:  {model.AppointmentConfirmed, model.AppointmentCancelled, model.AppointmentNoShow},
	model.AppointmentConfirmed:  {model.AppointmentCheckedIn, model.AppointmentCancelled, model.AppointmentNoShow},
	model.AppointmentCheckedIn:  {model.AppointmentInProgress},
	model.AppointmentInProgress: {model.AppointmentCompleted},
}

func CanTransition(from, to model.AppointmentStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Change describes who requested a status change and why.
type Change struct {
	Actor string
	Notes string
}

// Transition validates current -> to and returns the updated appointment with the history
// record to persist. Requesting the current status is a no-op and yields no history.
// On an invalid edge current is returned unchanged with a *TransitionError.
func Transition(current model.Appointment, to model.AppointmentStatus, change Change, now time.Time) (model.Appointment, *model.AppointmentHistory, error) {
	if current.Status == to {
		return current, nil, nil
	}
	if !CanTransition(current.Status, to) {
		return current, nil, &TransitionError{From: current.Status, To: to}
	}

	next := current
	next.Status = to
	next.UpdatedAt = now
	if to == model.AppointmentCompleted && next.CompletedAt == nil {
		completed := now
		next.CompletedAt = &completed
	}
	h := &model.AppointmentHistory{
		ID:             model.NewID(),
		AppointmentID:  current.ID,
		PreviousStatus: current.Status,
		NewStatus:      to,
		ChangedBy:      change.Actor,
		ChangedAt:      now,
		Notes:          change.Notes,
	}
	return next, h, nil
}

func IsUpcoming(a model.Appointment, now time.Time) bool {
	return a.StartsAt(now.Location()).After(now)
}

func CanBeCancelled(a model.Appointment, now time.Time) bool {
	return (a.Status == model.AppointmentScheduled || a.Status == model.AppointmentConfirmed) && IsUpcoming(a, now)
}
