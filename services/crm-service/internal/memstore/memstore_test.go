package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

var created = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)

func seedAppointment(s *Store) {
	s.PutAppointment(model.Appointment{ID: "a1", ClientID: "c1", Status: model.AppointmentScheduled, CreatedAt: created, UpdatedAt: created})
}

func TestMarkReminderSent_StampsUpdatedAt(t *testing.T) {
	s := New()
	seedAppointment(s)
	at := created.Add(24 * time.Hour)

	ok, err := s.MarkReminderSent(context.Background(), "a1", at)
	if err != nil || !ok {
		t.Fatalf("expected first mark to win, got %v %v", ok, err)
	}
	a, _ := s.GetAppointment(context.Background(), "a1")
	if !a.ReminderSent || a.ReminderSentAt == nil || !a.ReminderSentAt.Equal(at) || !a.UpdatedAt.Equal(at) {
		t.Fatalf("expected reminder and updated_at stamped at %v, got %+v", at, a)
	}
}

func TestTransitionAppointment_AllOrNothing(t *testing.T) {
	s := New()
	seedAppointment(s)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.TransitionAppointment(ctx, "a1", func(a *model.Appointment) (*model.AppointmentHistory, error) {
		a.Status = model.AppointmentConfirmed
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	a, _ := s.GetAppointment(ctx, "a1")
	if a.Status != model.AppointmentScheduled {
		t.Fatalf("expected row unchanged, got %s", a.Status)
	}

	h := &model.AppointmentHistory{ID: "h1", AppointmentID: "a1", PreviousStatus: model.AppointmentScheduled, NewStatus: model.AppointmentConfirmed, ChangedAt: created}
	if _, err := s.TransitionAppointment(ctx, "a1", func(a *model.Appointment) (*model.AppointmentHistory, error) {
		a.Status = model.AppointmentConfirmed
		return h, nil
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	history, _ := s.ListHistory(ctx, "a1")
	if len(history) != 1 || len(s.Events()) != 1 {
		t.Fatalf("expected one history row and one event, got %d and %d", len(history), len(s.Events()))
	}
	if _, err := s.TransitionAppointment(ctx, "missing", nil); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchLastVisit_OnlyMovesForward(t *testing.T) {
	s := New()
	s.PutClient(model.Client{ID: "c1"})
	ctx := context.Background()
	later := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := s.TouchLastVisit(ctx, "c1", later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.TouchLastVisit(ctx, "c1", later.AddDate(0, 0, -10)); err != nil {
		t.Fatalf("touch earlier: %v", err)
	}
	c, _ := s.GetClient(ctx, "c1")
	if c.LastVisitDate == nil || !c.LastVisitDate.Equal(later) {
		t.Fatalf("expected last visit to stay %v, got %v", later, c.LastVisitDate)
	}
}
