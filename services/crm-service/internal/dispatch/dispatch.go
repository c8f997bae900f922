// Package dispatch turns time- and event-triggered occasions into outbound email, once per
// occasion, and records every attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/clock"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/email"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/templates"
)

var (
	ErrCampaignNotSendable = errors.New("campaign is not in a sendable state")
	ErrInvalidEmailState   = errors.New("scheduled email is not in the required state")
)

type Config struct {
	ReminderLeadDays  int
	ExpiryWarningDays int
	PendingBatchSize  int
	PendingLease      time.Duration
	SendConcurrency   int
}

func DefaultConfig() Config {
	return Config{
		ReminderLeadDays:  1,
		ExpiryWarningDays: 7,
		PendingBatchSize:  100,
		PendingLease:      5 * time.Minute,
		SendConcurrency:   4,
	}
}

// Summary counts the outcome of one sweep.
type Summary struct {
	Queued  int
	Sent    int
	Failed  int
	Skipped int
}

func (s Summary) LogAttrs() []any {
	return []any{"queued", s.Queued, "sent", s.Sent, "failed", s.Failed, "skipped", s.Skipped}
}

type Dispatcher struct {
	store     Store
	templates Renderer
	sender    email.Sender
	clock     clock.Clock
	logger    *slog.Logger
	cfg       Config
}

func New(store Store, renderer Renderer, sender email.Sender, clk clock.Clock, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ReminderLeadDays <= 0 {
		cfg.ReminderLeadDays = def.ReminderLeadDays
	}
	if cfg.ExpiryWarningDays <= 0 {
		cfg.ExpiryWarningDays = def.ExpiryWarningDays
	}
	if cfg.PendingBatchSize <= 0 {
		cfg.PendingBatchSize = def.PendingBatchSize
	}
	if cfg.PendingLease <= 0 {
		cfg.PendingLease = def.PendingLease
	}
	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = def.SendConcurrency
	}
	return &Dispatcher{store: store, templates: renderer, sender: sender, clock: clk, logger: logger, cfg: cfg}
}

func occasionKey(typ model.EmailType, ref string, when string) string {
	return fmt.Sprintf("%s:%s:%s", typ, ref, when)
}

// skipOccasion logs a template gap and reports true when err is one.
func (d *Dispatcher) skipOccasion(err error, attrs ...any) bool {
	if !errors.Is(err, templates.ErrTemplateNotFound) {
		return false
	}
	d.logger.Warn("occasion skipped", append(attrs, "err", err.Error())...)
	return true
}

// deliver sends a claimed PENDING email and records the attempt. It reports whether the
// message went out. Only storage failures are returned as errors.
func (d *Dispatcher) deliver(ctx context.Context, e model.ScheduledEmail, client model.Client) (bool, error) {
	sendErr := d.sender.Send(ctx, email.Message{To: client.Email, Subject: e.Subject, HTML: e.HTML, Text: e.Text})
	now := d.clock.Now()

	log := model.EmailLog{
		ID:               model.NewID(),
		ClientID:         client.ID,
		Subject:          e.Subject,
		SentTo:           client.Email,
		EmailType:        string(e.Type),
		ScheduledEmailID: e.ID,
		SentSuccessfully: sendErr == nil,
		SentAt:           now,
	}
	e.ClaimedUntil = nil
	e.UpdatedAt = now
	if sendErr != nil {
		e.Status = model.EmailFailed
		e.ErrorMessage = sendErr.Error()
		log.ErrorMessage = sendErr.Error()
	} else {
		e.Status = model.EmailSent
		e.SentAt = &now
		e.ErrorMessage = ""
	}

	stored, err := d.store.CompleteScheduledEmail(ctx, e, log)
	if err != nil {
		return false, fmt.Errorf("record outcome of %s: %w", e.ID, err)
	}
	if !stored {
		d.logger.Warn("scheduled email left pending state during send", "scheduled_email_id", e.ID)
	}
	if sendErr != nil {
		d.logger.Warn("email send failed", "scheduled_email_id", e.ID, "type", e.Type, "client_id", client.ID, "err", sendErr)
		return false, nil
	}

	if e.Type == model.EmailReminder && e.AppointmentID != "" {
		if _, err := d.store.MarkReminderSent(ctx, e.AppointmentID, now); err != nil {
			return true, fmt.Errorf("mark reminder sent on %s: %w", e.AppointmentID, err)
		}
	}
	return true, nil
}

func (d *Dispatcher) failUndeliverable(ctx context.Context, e model.ScheduledEmail, cause error) error {
	now := d.clock.Now()
	e.Status = model.EmailFailed
	e.ErrorMessage = cause.Error()
	e.ClaimedUntil = nil
	e.UpdatedAt = now
	log := model.EmailLog{
		ID:               model.NewID(),
		ClientID:         e.ClientID,
		Subject:          e.Subject,
		EmailType:        string(e.Type),
		ScheduledEmailID: e.ID,
		ErrorMessage:     cause.Error(),
		SentAt:           now,
	}
	_, err := d.store.CompleteScheduledEmail(ctx, e, log)
	return err
}
