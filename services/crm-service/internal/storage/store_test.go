package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/KAMASDM/cryocrm/libs/db"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/appointments"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/dispatch"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/ledger"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/pricing"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/templates"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/tracking"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	_ appointments.Repository = (*Store)(nil)
	_ appointments.Directory  = (*Store)(nil)
	_ ledger.Repository       = (*Store)(nil)
	_ ledger.Packages         = (*Store)(nil)
	_ pricing.Repository      = (*Store)(nil)
	_ templates.Repository    = (*Store)(nil)
	_ dispatch.Store          = (*Store)(nil)
	_ tracking.Store          = (*Store)(nil)
)

func TestTranslate(t *testing.T) {
	if translate(nil) != nil {
		t.Fatal("expected nil")
	}
	if !errors.Is(translate(fmt.Errorf("wrap: %w", pgx.ErrNoRows)), model.ErrNotFound) {
		t.Fatal("expected no rows to map to ErrNotFound")
	}
	if !errors.Is(translate(&pgconn.PgError{Code: "23505"}), model.ErrConflict) {
		t.Fatal("expected unique violation to map to ErrConflict")
	}
	other := errors.New("boom")
	if translate(other) != other {
		t.Fatal("expected other errors to pass through")
	}
}

// openTestStore connects to CRM_TEST_DATABASE_URL and skips when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CRM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CRM_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := ApplyMigrations(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(pool)
}

func seedClient(t *testing.T, s *Store) model.Client {
	t.Helper()
	c := model.Client{ID: model.NewID(), FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Active: true, EmailNotifications: true}
	if err := s.UpsertClient(context.Background(), c); err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestStore_AppointmentReminderFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedClient(t, s)
	svc := model.Service{ID: model.NewID(), Name: "Whole body", DurationMinutes: 30, BasePrice: decimal.NewFromInt(80), Active: true}
	if err := s.UpsertService(ctx, svc); err != nil {
		t.Fatalf("service: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	a := model.Appointment{
		ID: model.NewID(), ClientID: c.ID, ServiceID: svc.ID,
		Date: model.DateOf(now), StartTime: model.NewTimeOfDay(10, 0), DurationMinutes: 30, EndTime: model.NewTimeOfDay(10, 30),
		Status: model.AppointmentScheduled, ServicePrice: svc.BasePrice, FinalPrice: svc.BasePrice,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateAppointment(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetAppointment(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EndTime != a.EndTime || got.PackagePurchaseID != "" {
		t.Fatalf("unexpected appointment %+v", got)
	}

	first, err := s.MarkReminderSent(ctx, a.ID, now)
	if err != nil || !first {
		t.Fatalf("expected first mark to win, got %v %v", first, err)
	}
	again, err := s.MarkReminderSent(ctx, a.ID, now)
	if err != nil || again {
		t.Fatalf("expected second mark to lose, got %v %v", again, err)
	}
	if _, err := s.MarkReminderSent(ctx, model.NewID(), now); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_OccasionKeyIsUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedClient(t, s)
	now := time.Now().UTC()
	key := "BIRTHDAY:" + c.ID + ":2024"
	e := model.ScheduledEmail{ID: model.NewID(), ClientID: c.ID, Type: model.EmailBirthday, ScheduledFor: now,
		Status: model.EmailPending, Subject: "Happy birthday", OccasionKey: key, CreatedAt: now, UpdatedAt: now}
	created, err := s.CreateScheduledEmail(ctx, e)
	if err != nil || !created {
		t.Fatalf("expected create, got %v %v", created, err)
	}
	e.ID = model.NewID()
	created, err = s.CreateScheduledEmail(ctx, e)
	if err != nil || created {
		t.Fatalf("expected duplicate occasion to be skipped, got %v %v", created, err)
	}
}

func TestStore_CreatedLeaseBlocksClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedClient(t, s)
	now := time.Now().UTC().Truncate(time.Second)
	lease := now.Add(5 * time.Minute)
	e := model.ScheduledEmail{ID: model.NewID(), ClientID: c.ID, Type: model.EmailReminder, ScheduledFor: now.Add(-time.Minute),
		Status: model.EmailPending, Subject: "Reminder", OccasionKey: "REMINDER:" + model.NewID(),
		ClaimedUntil: &lease, CreatedAt: now, UpdatedAt: now}
	if created, err := s.CreateScheduledEmail(ctx, e); err != nil || !created {
		t.Fatalf("expected create, got %v %v", created, err)
	}
	got, err := s.GetScheduledEmail(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClaimedUntil == nil || !got.ClaimedUntil.Equal(lease) {
		t.Fatalf("expected lease %v to be stored, got %v", lease, got.ClaimedUntil)
	}

	claimed, err := s.ClaimDueEmails(ctx, now, time.Minute, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, row := range claimed {
		if row.ID == e.ID {
			t.Fatal("expected a row leased at creation not to be claimed before its lease ends")
		}
	}
}

func TestStore_TransitionWritesHistoryWithRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedClient(t, s)
	svc := model.Service{ID: model.NewID(), Name: "Whole body", DurationMinutes: 30, BasePrice: decimal.NewFromInt(80), Active: true}
	if err := s.UpsertService(ctx, svc); err != nil {
		t.Fatalf("service: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	a := model.Appointment{
		ID: model.NewID(), ClientID: c.ID, ServiceID: svc.ID,
		Date: model.DateOf(now), StartTime: model.NewTimeOfDay(11, 0), DurationMinutes: 30, EndTime: model.NewTimeOfDay(11, 30),
		Status: model.AppointmentScheduled, ServicePrice: svc.BasePrice, FinalPrice: svc.BasePrice,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateAppointment(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	if _, err := s.TransitionAppointment(ctx, a.ID, func(a *model.Appointment) (*model.AppointmentHistory, error) {
		a.Status = model.AppointmentConfirmed
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, _ := s.GetAppointment(ctx, a.ID); got.Status != model.AppointmentScheduled {
		t.Fatalf("expected row unchanged, got %s", got.Status)
	}

	h := &model.AppointmentHistory{ID: model.NewID(), AppointmentID: a.ID, PreviousStatus: model.AppointmentScheduled,
		NewStatus: model.AppointmentConfirmed, ChangedBy: "front-desk", ChangedAt: now}
	got, err := s.TransitionAppointment(ctx, a.ID, func(a *model.Appointment) (*model.AppointmentHistory, error) {
		a.Status = model.AppointmentConfirmed
		return h, nil
	})
	if err != nil || got.Status != model.AppointmentConfirmed {
		t.Fatalf("expected CONFIRMED, got %s %v", got.Status, err)
	}
	history, err := s.ListHistory(ctx, a.ID)
	if err != nil || len(history) != 1 || history[0].ID != h.ID {
		t.Fatalf("expected the history row, got %+v %v", history, err)
	}
}
