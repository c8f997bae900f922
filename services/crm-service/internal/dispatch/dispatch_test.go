package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/clock"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/email"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/memstore"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/templates"
)

var sweepAt = time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC)

type fixture struct {
	d      *Dispatcher
	store  *memstore.Store
	sender *email.Recorder
	clock  *clock.Fake
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memstore.New()
	ctx := context.Background()
	for _, tmpl := range []model.Template{
		{ID: "t-rem", Type: model.TemplateReminder, Subject: "See you {{ appointment_date }} at {{ appointment_time }}", Text: "{{ client_name }}: {{ service_name }} ({{ duration }} min)", Active: true},
		{ID: "t-exp", Type: model.TemplatePackageExpiry, Subject: "{{ package_name }} expires {{ expiry_date }}", Text: "{{ sessions_remaining }} left", Active: true},
		{ID: "t-bday", Type: model.TemplateBirthday, Subject: "Happy birthday {{ client_name }}", Text: "{{ age }}", Active: true},
		{ID: "t-news", Type: model.TemplateNewsletter, Subject: "News for {{ client_name }}", HTML: "<p>{{ client_email }}</p>", Active: true},
	} {
		if err := store.UpsertTemplate(ctx, tmpl); err != nil {
			t.Fatalf("template: %v", err)
		}
	}
	store.PutService(model.Service{ID: "cryo", Name: "Whole Body Cryo", DurationMinutes: 3})

	clk := clock.NewFake(sweepAt)
	sender := &email.Recorder{Fail: map[string]error{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(store, templates.NewService(store, nil), sender, clk, logger, Config{})
	return fixture{d: d, store: store, sender: sender, clock: clk}
}

func client(id, addr string) model.Client {
	return model.Client{ID: id, FirstName: id, LastName: "Doe", Email: addr, Active: true, EmailNotifications: true, MarketingEmails: true}
}

func tomorrowAppointment(id, clientID string, status model.AppointmentStatus) model.Appointment {
	return model.Appointment{
		ID: id, ClientID: clientID, ServiceID: "cryo", Status: status,
		Date: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), StartTime: model.NewTimeOfDay(10, 0), DurationMinutes: 30,
	}
}

func TestEnqueueDailyReminders_SendsOncePerOccasion(t *testing.T) {
	f := newFixture(t)
	f.store.PutClient(client("c1", "c1@example.com"))
	f.store.PutAppointment(tomorrowAppointment("a1", "c1", model.AppointmentConfirmed))
	ctx := context.Background()

	sum, err := f.d.EnqueueDailyReminders(ctx)
	if err != nil {
		t.Fatalf("reminders: %v", err)
	}
	if sum.Queued != 1 || sum.Sent != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	sent := f.sender.Sent()
	if len(sent) != 1 || sent[0].Subject != "See you 2024-01-10 at 10:00" || sent[0].Text != "c1 Doe: Whole Body Cryo (30 min)" {
		t.Fatalf("unexpected message %+v", sent)
	}
	a, _ := f.store.GetAppointment(ctx, "a1")
	if !a.ReminderSent || a.ReminderSentAt == nil {
		t.Fatal("expected reminder flag to be set after send")
	}

	again, err := f.d.EnqueueDailyReminders(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Queued != 0 || len(f.sender.Sent()) != 1 {
		t.Fatalf("expected second sweep to send nothing, got %+v", again)
	}
}

func TestEnqueueDailyReminders_Filters(t *testing.T) {
	f := newFixture(t)
	optedOut := client("c2", "c2@example.com")
	optedOut.EmailNotifications = false
	f.store.PutClient(client("c1", "c1@example.com"))
	f.store.PutClient(optedOut)
	f.store.PutAppointment(tomorrowAppointment("a-cancelled", "c1", model.AppointmentCancelled))
	f.store.PutAppointment(tomorrowAppointment("a-optout", "c2", model.AppointmentScheduled))
	later := tomorrowAppointment("a-later", "c1", model.AppointmentScheduled)
	later.Date = later.Date.AddDate(0, 0, 1)
	f.store.PutAppointment(later)

	sum, err := f.d.EnqueueDailyReminders(context.Background())
	if err != nil {
		t.Fatalf("reminders: %v", err)
	}
	if sum.Queued != 0 || sum.Skipped != 1 || len(f.sender.Sent()) != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestEnqueueDailyReminders_FailedSendKeepsFlagUnset(t *testing.T) {
	f := newFixture(t)
	f.store.PutClient(client("c1", "c1@example.com"))
	f.store.PutAppointment(tomorrowAppointment("a1", "c1", model.AppointmentScheduled))
	f.sender.Fail["c1@example.com"] = errors.New("relay down")
	ctx := context.Background()

	sum, err := f.d.EnqueueDailyReminders(ctx)
	if err != nil {
		t.Fatalf("reminders: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected a failure, got %+v", sum)
	}
	a, _ := f.store.GetAppointment(ctx, "a1")
	if a.ReminderSent {
		t.Fatal("expected reminder flag to stay unset after a failed send")
	}
	emails := f.store.ScheduledEmails()
	if len(emails) != 1 || emails[0].Status != model.EmailFailed || !strings.Contains(emails[0].ErrorMessage, "relay down") {
		t.Fatalf("unexpected scheduled emails %+v", emails)
	}

	// An operator retry goes out on the next pending sweep and sets the flag.
	delete(f.sender.Fail, "c1@example.com")
	if _, err := f.d.RetryFailed(ctx, emails[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := f.d.ProcessPending(ctx); err != nil {
		t.Fatalf("pending: %v", err)
	}
	a, _ = f.store.GetAppointment(ctx, "a1")
	if !a.ReminderSent {
		t.Fatal("expected reminder flag after the retried send")
	}
}

func TestEnqueueDailyReminders_RerunRetriesFailedSend(t *testing.T) {
	f := newFixture(t)
	f.store.PutClient(client("c1", "c1@example.com"))
	f.store.PutAppointment(tomorrowAppointment("a1", "c1", model.AppointmentScheduled))
	f.sender.Fail["c1@example.com"] = errors.New("relay down")
	ctx := context.Background()

	if _, err := f.d.EnqueueDailyReminders(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	delete(f.sender.Fail, "c1@example.com")
	f.clock.Advance(time.Hour)

	sum, err := f.d.EnqueueDailyReminders(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if sum.Sent != 1 || len(f.sender.Sent()) != 1 {
		t.Fatalf("expected the rerun to send the reminder, got %+v", sum)
	}
	a, _ := f.store.GetAppointment(ctx, "a1")
	if !a.ReminderSent {
		t.Fatal("expected reminder flag after the rerun")
	}

	third, err := f.d.EnqueueDailyReminders(ctx)
	if err != nil {
		t.Fatalf("third sweep: %v", err)
	}
	if third.Queued != 0 || len(f.sender.Sent()) != 1 {
		t.Fatalf("expected nothing more once the flag is set, got %+v", third)
	}
}

func TestProcessPending_CancelsReminderAlreadySent(t *testing.T) {
	f := newFixture(t)
	f.store.PutClient(client("c1", "c1@example.com"))
	a := tomorrowAppointment("a1", "c1", model.AppointmentScheduled)
	a.ReminderSent = true
	f.store.PutAppointment(a)
	ctx := context.Background()
	if _, err := f.store.CreateScheduledEmail(ctx, model.ScheduledEmail{
		ID: "s1", ClientID: "c1", Type: model.EmailReminder, AppointmentID: "a1", Status: model.EmailPending,
		ScheduledFor: sweepAt.Add(-time.Hour), Subject: "See you",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sum, err := f.d.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Sent != 0 || sum.Skipped != 1 || len(f.sender.Sent()) != 0 {
		t.Fatalf("expected the duplicate reminder to be dropped, got %+v", sum)
	}
	e, _ := f.store.GetScheduledEmail(ctx, "s1")
	if e.Status != model.EmailCancelled {
		t.Fatalf("expected CANCELLED, got %s", e.Status)
	}
}

func TestEnqueueDailyReminders_TemplateGapSkips(t *testing.T) {
	f := newFixture(t)
	tmpl, _ := f.store.GetTemplate(context.Background(), "t-rem")
	tmpl.Active = false
	_ = f.store.UpsertTemplate(context.Background(), tmpl)
	f.store.PutClient(client("c1", "c1@example.com"))
	f.store.PutAppointment(tomorrowAppointment("a1", "c1", model.AppointmentScheduled))

	sum, err := f.d.EnqueueDailyReminders(context.Background())
	if err != nil {
		t.Fatalf("expected template gap not to fail the sweep, got %v", err)
	}
	if sum.Skipped != 1 || len(f.store.ScheduledEmails()) != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestEnqueuePackageExpiryWarnings_Dedup(t *testing.T) {
	f := newFixture(t)
	f.store.PutClient(client("c1", "c1@example.com"))
	f.store.PutPackage(model.Package{ID: "pkg", Name: "Recovery 10"})
	f.store.PutPurchase(model.PackagePurchase{
		ID: "p1", ClientID: "c1", PackageID: "pkg", Status: model.PurchaseActive,
		TotalSessions: 10, SessionsUsed: 7, SessionsRemaining: 3,
		ExpiryDate: time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC),
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.d.EnqueuePackageExpiryWarnings(ctx); err != nil {
			t.Fatalf("expiry sweep %d: %v", i, err)
		}
	}
	emails := f.store.ScheduledEmails()
	if len(emails) != 1 {
		t.Fatalf("expected one warning, got %d", len(emails))
	}
	if emails[0].Subject != "Recovery 10 expires 2024-01-16" || emails[0].Text != "3 left" || emails[0].Status != model.EmailPending {
		t.Fatalf("unexpected warning %+v", emails[0])
	}
	p, _ := f.store.GetPurchase(ctx, "p1")
	if p.ExpiryWarningQueuedAt == nil {
		t.Fatal("expected purchase to be marked")
	}

	sum, err := f.d.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if sum.Sent != 1 {
		t.Fatalf("expected warning to be sent by the pending sweep, got %+v", sum)
	}
}

func TestEnqueueBirthdayGreetings(t *testing.T) {
	f := newFixture(t)
	dob := time.Date(1990, 1, 9, 0, 0, 0, 0, time.UTC)
	bday := client("c1", "c1@example.com")
	bday.DateOfBirth = &dob
	noMarketing := bday
	noMarketing.ID = "c2"
	noMarketing.MarketingEmails = false
	f.store.PutClient(bday)
	f.store.PutClient(noMarketing)
	ctx := context.Background()

	sum, err := f.d.EnqueueBirthdayGreetings(ctx)
	if err != nil {
		t.Fatalf("birthdays: %v", err)
	}
	if sum.Queued != 1 {
		t.Fatalf("expected one greeting, got %+v", sum)
	}
	if _, err := f.d.EnqueueBirthdayGreetings(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	emails := f.store.ScheduledEmails()
	if len(emails) != 1 || emails[0].Text != "34" || emails[0].OccasionKey != "BIRTHDAY:c1:2024" {
		t.Fatalf("unexpected greetings %+v", emails)
	}
}

func TestEnqueueBirthdayGreetings_LeapDayInCommonYear(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2023, 2, 28, 8, 0, 0, 0, time.UTC))
	dob := time.Date(2000, 2, 29, 0, 0, 0, 0, time.UTC)
	c := client("c1", "c1@example.com")
	c.DateOfBirth = &dob
	f.store.PutClient(c)

	sum, err := f.d.EnqueueBirthdayGreetings(context.Background())
	if err != nil {
		t.Fatalf("birthdays: %v", err)
	}
	if sum.Queued != 1 {
		t.Fatalf("expected leap-day client to be greeted on Feb 28, got %+v", sum)
	}
}

func TestProcessPending_SendsAtMostOnce(t *testing.T) {
	f := newFixture(t)
	f.store.PutClient(client("c1", "c1@example.com"))
	ctx := context.Background()
	if _, err := f.store.CreateScheduledEmail(ctx, model.ScheduledEmail{
		ID: "s1", ClientID: "c1", Type: model.EmailCustom, Status: model.EmailPending,
		ScheduledFor: sweepAt.Add(-time.Hour), Subject: "hello",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.store.CreateScheduledEmail(ctx, model.ScheduledEmail{
		ID: "s-future", ClientID: "c1", Type: model.EmailCustom, Status: model.EmailPending,
		ScheduledFor: sweepAt.Add(time.Hour), Subject: "later",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := f.d.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	second, err := f.d.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if first.Sent != 1 || second.Sent != 0 || len(f.sender.Sent()) != 1 {
		t.Fatalf("expected a single send, got %+v then %+v", first, second)
	}
	e, _ := f.store.GetScheduledEmail(ctx, "s1")
	if e.Status != model.EmailSent || e.SentAt == nil {
		t.Fatalf("expected SENT with timestamp, got %+v", e)
	}
	later, _ := f.store.GetScheduledEmail(ctx, "s-future")
	if later.Status != model.EmailPending {
		t.Fatalf("expected future email untouched, got %s", later.Status)
	}

	logs := f.store.EmailLogs()
	if len(logs) != 1 || logs[0].ScheduledEmailID != "s1" || !logs[0].SentSuccessfully {
		t.Fatalf("unexpected logs %+v", logs)
	}
	events := f.store.Events()
	if len(events) != 1 || events[0].EventType != outbox.TypeEmailSent {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestProcessPending_FailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.store.PutClient(client("c1", "c1@example.com"))
	f.sender.Fail["c1@example.com"] = errors.New("mailbox full")
	ctx := context.Background()
	_, _ = f.store.CreateScheduledEmail(ctx, model.ScheduledEmail{
		ID: "s1", ClientID: "c1", Type: model.EmailCustom, Status: model.EmailPending, ScheduledFor: sweepAt,
	})

	sum, err := f.d.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected failure, got %+v", sum)
	}
	delete(f.sender.Fail, "c1@example.com")
	again, _ := f.d.ProcessPending(ctx)
	if again.Sent != 0 {
		t.Fatal("expected FAILED email not to be retried automatically")
	}
	e, _ := f.store.GetScheduledEmail(ctx, "s1")
	if e.Status != model.EmailFailed || e.ErrorMessage == "" {
		t.Fatalf("unexpected email %+v", e)
	}
}

func TestProcessPending_SkipsLeasedRows(t *testing.T) {
	f := newFixture(t)
	f.store.PutClient(client("c1", "c1@example.com"))
	ctx := context.Background()
	lease := sweepAt.Add(time.Minute)
	_, _ = f.store.CreateScheduledEmail(ctx, model.ScheduledEmail{
		ID: "s1", ClientID: "c1", Type: model.EmailCustom, Status: model.EmailPending,
		ScheduledFor: sweepAt.Add(-time.Minute), ClaimedUntil: &lease,
	})
	sum, _ := f.d.ProcessPending(ctx)
	if sum.Sent != 0 {
		t.Fatal("expected leased row to be skipped")
	}
	f.clock.Advance(2 * time.Minute)
	sum, _ = f.d.ProcessPending(ctx)
	if sum.Sent != 1 {
		t.Fatal("expected expired lease to be reclaimed")
	}
}

func TestCancelAndRetryScheduledEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.store.CreateScheduledEmail(ctx, model.ScheduledEmail{ID: "s1", ClientID: "c1", Status: model.EmailPending, ScheduledFor: sweepAt})

	if _, err := f.d.RetryFailed(ctx, "s1"); !errors.Is(err, ErrInvalidEmailState) {
		t.Fatalf("expected ErrInvalidEmailState, got %v", err)
	}
	e, err := f.d.CancelScheduledEmail(ctx, "s1")
	if err != nil || e.Status != model.EmailCancelled {
		t.Fatalf("expected CANCELLED, got %+v, %v", e, err)
	}
	if _, err := f.d.CancelScheduledEmail(ctx, "s1"); !errors.Is(err, ErrInvalidEmailState) {
		t.Fatalf("expected ErrInvalidEmailState, got %v", err)
	}
}
