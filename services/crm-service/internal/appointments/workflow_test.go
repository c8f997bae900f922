package appointments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/clock"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/ledger"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/memstore"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/pricing"
	"github.com/shopspring/decimal"
)

var bookedAt = time.Date(2024, 1, 8, 15, 0, 0, 0, time.UTC)

type fixture struct {
	wf    *Workflow
	store *memstore.Store
	clock *clock.Fake
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memstore.New()
	store.PutClient(model.Client{ID: "c1", FirstName: "Ana", LastName: "Silva", Email: "ana@example.com", Active: true})
	store.PutService(model.Service{ID: "cryo", Name: "Whole Body Cryo", DurationMinutes: 3, BasePrice: decimal.RequireFromString("60"), Active: true})
	store.PutDiscount(model.Discount{
		ID: "d1", Code: "WELCOME20", Type: model.DiscountFixed, AppliesTo: model.ScopeService,
		FixedAmountOff: decimal.NewNullDecimal(decimal.RequireFromString("20")),
		StartDate:      bookedAt.AddDate(0, 0, -7), Active: true, MaxUsesPerClient: 1,
	})

	clk := clock.NewFake(bookedAt)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pricer := pricing.NewService(store, clk, logger)
	l := ledger.New(store, store, pricer, clk, logger)
	return fixture{wf: NewWorkflow(store, store, l, pricer, clk, logger), store: store, clock: clk}
}

func (f fixture) schedule(t *testing.T, req ScheduleRequest) model.Appointment {
	t.Helper()
	if req.ClientID == "" {
		req.ClientID = "c1"
	}
	if req.ServiceID == "" {
		req.ServiceID = "cryo"
	}
	if req.Date.IsZero() {
		req.Date = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
		req.StartTime = model.NewTimeOfDay(10, 0)
	}
	a, err := f.wf.Schedule(context.Background(), req)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return a
}

func (f fixture) walkTo(t *testing.T, id string, path ...model.AppointmentStatus) model.Appointment {
	t.Helper()
	var a model.Appointment
	var err error
	for _, s := range path {
		a, err = f.wf.Transition(context.Background(), id, s, Change{Actor: "front-desk"})
		if err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	return a
}

var toCompleted = []model.AppointmentStatus{
	model.AppointmentConfirmed, model.AppointmentCheckedIn, model.AppointmentInProgress, model.AppointmentCompleted,
}

func TestSchedule_ComputesEndTimeAndPrice(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{DurationMinutes: 30})
	if a.EndTime.String() != "10:30" {
		t.Fatalf("expected end time 10:30, got %s", a.EndTime)
	}
	if a.Status != model.AppointmentScheduled {
		t.Fatalf("expected SCHEDULED, got %s", a.Status)
	}
	if !a.ServicePrice.Equal(decimal.RequireFromString("60")) || !a.FinalPrice.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("unexpected prices %s / %s", a.ServicePrice, a.FinalPrice)
	}
}

func TestSchedule_DefaultsDurationFromService(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{})
	if a.DurationMinutes != 3 || a.EndTime.String() != "10:03" {
		t.Fatalf("expected service duration, got %d ending %s", a.DurationMinutes, a.EndTime)
	}
}

func TestSchedule_WithDiscountRecordsUsage(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{DiscountCode: "WELCOME20"})
	if !a.DiscountAmount.Equal(decimal.RequireFromString("20")) || !a.FinalPrice.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("unexpected pricing %s / %s", a.DiscountAmount, a.FinalPrice)
	}
	usages := f.store.DiscountUsages()
	if len(usages) != 1 || usages[0].AppointmentID != a.ID {
		t.Fatalf("expected one usage for the appointment, got %+v", usages)
	}
}

func TestSchedule_PackageBoundIsPrepaid(t *testing.T) {
	f := newFixture(t)
	f.store.PutPurchase(model.PackagePurchase{
		ID: "p1", ClientID: "c1", Status: model.PurchaseActive, TotalSessions: 5, SessionsUsed: 4, SessionsRemaining: 1,
		ExpiryDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	a := f.schedule(t, ScheduleRequest{PackagePurchaseID: "p1", DiscountCode: "WELCOME20"})
	if !a.FinalPrice.IsZero() || !a.DiscountAmount.IsZero() {
		t.Fatalf("expected prepaid booking, got %s / %s", a.DiscountAmount, a.FinalPrice)
	}
	if len(f.store.DiscountUsages()) != 0 {
		t.Fatal("expected no discount usage on a package booking")
	}
}

func TestSchedule_RejectsUnbookablePackage(t *testing.T) {
	f := newFixture(t)
	f.store.PutPurchase(model.PackagePurchase{
		ID: "p1", ClientID: "c1", Status: model.PurchaseActive, TotalSessions: 5, SessionsUsed: 5,
		ExpiryDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	_, err := f.wf.Schedule(context.Background(), ScheduleRequest{
		ClientID: "c1", ServiceID: "cryo", PackagePurchaseID: "p1",
		Date: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), StartTime: model.NewTimeOfDay(10, 0),
	})
	if !errors.Is(err, ErrPackageUnavailable) {
		t.Fatalf("expected ErrPackageUnavailable, got %v", err)
	}
}

func TestTransition_CompletionConsumesLastSession(t *testing.T) {
	f := newFixture(t)
	f.store.PutPurchase(model.PackagePurchase{
		ID: "p1", ClientID: "c1", Status: model.PurchaseActive, TotalSessions: 5, SessionsUsed: 4, SessionsRemaining: 1,
		ExpiryDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	a := f.schedule(t, ScheduleRequest{PackagePurchaseID: "p1", DurationMinutes: 30})
	if a.EndTime.String() != "10:30" {
		t.Fatalf("expected end time 10:30, got %s", a.EndTime)
	}

	f.clock.Set(time.Date(2024, 1, 10, 10, 31, 0, 0, time.UTC))
	done := f.walkTo(t, a.ID, toCompleted...)
	if done.CompletedAt == nil || !done.CompletedAt.Equal(f.clock.Now()) {
		t.Fatalf("expected completed_at to be set, got %v", done.CompletedAt)
	}
	if !done.FinalPrice.IsZero() {
		t.Fatalf("expected prepaid completion, got %s", done.FinalPrice)
	}

	p, _ := f.store.GetPurchase(context.Background(), "p1")
	if p.SessionsRemaining != 0 || p.Status != model.PurchaseCompleted {
		t.Fatalf("expected exhausted COMPLETED purchase, got %d remaining, %s", p.SessionsRemaining, p.Status)
	}
	c, _ := f.store.GetClient(context.Background(), "c1")
	if c.LastVisitDate == nil || !model.SameDate(*c.LastVisitDate, a.Date) {
		t.Fatalf("expected last visit on appointment date, got %v", c.LastVisitDate)
	}
}

func TestTransition_RecordsHistoryAndEvents(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{})
	f.walkTo(t, a.ID, model.AppointmentConfirmed, model.AppointmentCancelled)

	history, err := f.wf.History(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	if history[1].PreviousStatus != model.AppointmentConfirmed || history[1].NewStatus != model.AppointmentCancelled || history[1].ChangedBy != "front-desk" {
		t.Fatalf("unexpected history %+v", history[1])
	}
	events := f.store.Events()
	if len(events) != 2 || events[0].EventType != outbox.TypeAppointmentStatusChanged {
		t.Fatalf("expected 2 status events, got %+v", events)
	}
}

func TestTransition_SameStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{})
	if _, err := f.wf.Transition(context.Background(), a.ID, model.AppointmentScheduled, Change{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	history, _ := f.wf.History(context.Background(), a.ID)
	if len(history) != 0 {
		t.Fatalf("expected no history, got %d", len(history))
	}
}

func TestTransition_OutOfTerminalFails(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{})
	f.walkTo(t, a.ID, model.AppointmentCancelled)

	_, err := f.wf.Transition(context.Background(), a.ID, model.AppointmentConfirmed, Change{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != model.AppointmentCancelled || te.To != model.AppointmentConfirmed {
		t.Fatalf("expected TransitionError CANCELLED -> CONFIRMED, got %v", err)
	}
	got, _ := f.store.GetAppointment(context.Background(), a.ID)
	if got.Status != model.AppointmentCancelled {
		t.Fatalf("expected state unchanged, got %s", got.Status)
	}
	history, _ := f.wf.History(context.Background(), a.ID)
	if len(history) != 1 {
		t.Fatalf("expected only the cancellation in history, got %d", len(history))
	}
}

func TestTransition_SkippingStepsFails(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{})
	if _, err := f.wf.Transition(context.Background(), a.ID, model.AppointmentCompleted, Change{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionPure_CompletedAtSetOnce(t *testing.T) {
	first := time.Date(2024, 1, 10, 11, 0, 0, 0, time.UTC)
	a := model.Appointment{ID: "a1", Status: model.AppointmentInProgress, CompletedAt: &first}
	next, h, err := Transition(a, model.AppointmentCompleted, Change{}, first.Add(time.Hour))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !next.CompletedAt.Equal(first) {
		t.Fatalf("expected completed_at to keep its first value, got %s", next.CompletedAt)
	}
	if h == nil || h.PreviousStatus != model.AppointmentInProgress {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestRecordFeedback(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{})
	if _, err := f.wf.RecordFeedback(context.Background(), a.ID, 6, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}
	got, err := f.wf.RecordFeedback(context.Background(), a.ID, 5, "felt great")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if got.Rating == nil || *got.Rating != 5 || got.ClientFeedback != "felt great" {
		t.Fatalf("unexpected feedback %+v", got)
	}
}

func TestIsUpcomingAndCanBeCancelled(t *testing.T) {
	a := model.Appointment{
		Status:    model.AppointmentConfirmed,
		Date:      time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		StartTime: model.NewTimeOfDay(10, 0),
	}
	before := time.Date(2024, 1, 10, 9, 59, 0, 0, time.UTC)
	after := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	if !IsUpcoming(a, before) || !CanBeCancelled(a, before) {
		t.Fatal("expected appointment to be upcoming and cancellable before start")
	}
	if IsUpcoming(a, after) || CanBeCancelled(a, after) {
		t.Fatal("expected appointment at its start time not to be upcoming")
	}
	a.Status = model.AppointmentCheckedIn
	if CanBeCancelled(a, before) {
		t.Fatal("expected checked-in appointment not to be cancellable")
	}
}

var errWrite = errors.New("write failed")

type flakyRepo struct {
	Repository
	failures int
}

func (r *flakyRepo) TransitionAppointment(ctx context.Context, id string, fn func(*model.Appointment) (*model.AppointmentHistory, error)) (model.Appointment, error) {
	return r.Repository.TransitionAppointment(ctx, id, func(a *model.Appointment) (*model.AppointmentHistory, error) {
		h, err := fn(a)
		if err == nil && r.failures > 0 {
			r.failures--
			return nil, errWrite
		}
		return h, err
	})
}

type flakyLedger struct {
	Ledger
	failures int
	calls    int
}

func (l *flakyLedger) ConsumeSession(ctx context.Context, purchaseID, appointmentID string) (model.PackagePurchase, error) {
	l.calls++
	if l.failures > 0 {
		l.failures--
		return model.PackagePurchase{}, errWrite
	}
	return l.Ledger.ConsumeSession(ctx, purchaseID, appointmentID)
}

func (f fixture) rewire(repo Repository, l Ledger) *Workflow {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorkflow(repo, f.store, l, pricing.NewService(f.store, f.clock, logger), f.clock, logger)
}

func TestTransition_FailedWriteLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, ScheduleRequest{})
	wf := f.rewire(&flakyRepo{Repository: f.store, failures: 1}, f.wf.ledger)

	if _, err := wf.Transition(context.Background(), a.ID, model.AppointmentConfirmed, Change{}); !errors.Is(err, errWrite) {
		t.Fatalf("expected write failure, got %v", err)
	}
	got, _ := f.store.GetAppointment(context.Background(), a.ID)
	history, _ := f.wf.History(context.Background(), a.ID)
	if got.Status != model.AppointmentScheduled || len(history) != 0 || len(f.store.Events()) != 0 {
		t.Fatalf("expected nothing stored, got status %s, %d history rows, %d events", got.Status, len(history), len(f.store.Events()))
	}

	if _, err := wf.Transition(context.Background(), a.ID, model.AppointmentConfirmed, Change{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	history, _ = f.wf.History(context.Background(), a.ID)
	if len(history) != 1 || len(f.store.Events()) != 1 {
		t.Fatalf("expected one history row and event after retry, got %d and %d", len(history), len(f.store.Events()))
	}
}

func TestTransition_RetryCompletesFailedCompletion(t *testing.T) {
	f := newFixture(t)
	f.store.PutPurchase(model.PackagePurchase{
		ID: "p1", ClientID: "c1", Status: model.PurchaseActive, TotalSessions: 5, SessionsUsed: 2, SessionsRemaining: 3,
		ExpiryDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	a := f.schedule(t, ScheduleRequest{PackagePurchaseID: "p1"})
	f.walkTo(t, a.ID, model.AppointmentConfirmed, model.AppointmentCheckedIn, model.AppointmentInProgress)

	l := &flakyLedger{Ledger: f.wf.ledger, failures: 1}
	wf := f.rewire(f.store, l)

	if _, err := wf.Transition(context.Background(), a.ID, model.AppointmentCompleted, Change{}); !errors.Is(err, errWrite) {
		t.Fatalf("expected ledger failure, got %v", err)
	}
	p, _ := f.store.GetPurchase(context.Background(), "p1")
	if p.SessionsUsed != 2 {
		t.Fatalf("expected no session drawn yet, got %d", p.SessionsUsed)
	}

	for i := 0; i < 2; i++ {
		done, err := wf.Transition(context.Background(), a.ID, model.AppointmentCompleted, Change{})
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if done.Status != model.AppointmentCompleted {
			t.Fatalf("expected COMPLETED, got %s", done.Status)
		}
	}
	if l.calls != 3 {
		t.Fatalf("expected every COMPLETED request to reach the ledger, got %d calls", l.calls)
	}
	p, _ = f.store.GetPurchase(context.Background(), "p1")
	if p.SessionsUsed != 3 || p.SessionsRemaining != 2 {
		t.Fatalf("expected exactly one session drawn, got used=%d remaining=%d", p.SessionsUsed, p.SessionsRemaining)
	}
	history, _ := f.wf.History(context.Background(), a.ID)
	if len(history) != 4 {
		t.Fatalf("expected 4 history rows, got %d", len(history))
	}
}
