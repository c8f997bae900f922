package memstore

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
)

func (s *Store) CreateAppointment(_ context.Context, a model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.appointments[a.ID]; ok {
		return model.ErrConflict
	}
	s.appointments[a.ID] = a
	return nil
}

func (s *Store) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.appointments, id)
}

func (s *Store) UpdateAppointment(_ context.Context, id string, fn func(*model.Appointment) error) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.appointments, id, fn)
}

// TransitionAppointment stores the row, the history record and its event only when fn succeeds.
func (s *Store) TransitionAppointment(_ context.Context, id string, fn func(*model.Appointment) (*model.AppointmentHistory, error)) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := get(s.appointments, id)
	if err != nil {
		return model.Appointment{}, err
	}
	h, err := fn(&a)
	if err != nil {
		return model.Appointment{}, err
	}
	if h != nil {
		if err := s.emit(outbox.AppointmentStatusChanged(*h)); err != nil {
			return model.Appointment{}, err
		}
		s.history = append(s.history, *h)
	}
	s.appointments[id] = a
	return a, nil
}

func (s *Store) ListHistory(_ context.Context, appointmentID string) ([]model.AppointmentHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AppointmentHistory
	for _, h := range s.history {
		if h.AppointmentID == appointmentID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) ListReminderCandidates(_ context.Context, date time.Time) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, a := range s.appointments {
		if a.ReminderSent || !model.SameDate(a.Date, date) {
			continue
		}
		if a.Status == model.AppointmentScheduled || a.Status == model.AppointmentConfirmed {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b model.Appointment) int {
		return cmp.Or(cmp.Compare(a.StartTime, b.StartTime), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Store) MarkReminderSent(_ context.Context, appointmentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[appointmentID]
	if !ok {
		return false, model.ErrNotFound
	}
	if a.ReminderSent {
		return false, nil
	}
	a.ReminderSent = true
	a.ReminderSentAt = &at
	a.UpdatedAt = at
	s.appointments[appointmentID] = a
	return true, nil
}
