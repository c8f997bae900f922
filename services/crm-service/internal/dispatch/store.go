package dispatch

import (
	"context"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/templates"
)

type Directory interface {
	GetClient(ctx context.Context, id string) (model.Client, error)
	GetService(ctx context.Context, id string) (model.Service, error)
	GetPackage(ctx context.Context, id string) (model.Package, error)
	// ListBirthdayClients returns active, marketing-subscribed clients born on month/day.
	ListBirthdayClients(ctx context.Context, month time.Month, day int) ([]model.Client, error)
	ListCampaignRecipients(ctx context.Context, f model.RecipientFilter) ([]model.Client, error)
}

type Appointments interface {
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	// ListReminderCandidates returns SCHEDULED or CONFIRMED appointments on date with
	// reminder_sent unset.
	ListReminderCandidates(ctx context.Context, date time.Time) ([]model.Appointment, error)
	// MarkReminderSent sets reminder_sent only if it was unset and reports whether it did.
	MarkReminderSent(ctx context.Context, appointmentID string, at time.Time) (bool, error)
}

type Purchases interface {
	// ListExpiringPurchases returns ACTIVE purchases expiring on date that have no warning queued.
	ListExpiringPurchases(ctx context.Context, date time.Time) ([]model.PackagePurchase, error)
	MarkExpiryWarningQueued(ctx context.Context, purchaseID string, at time.Time) error
}

type ScheduledEmails interface {
	// CreateScheduledEmail stores e unless its occasion key already exists; created reports which.
	CreateScheduledEmail(ctx context.Context, e model.ScheduledEmail) (created bool, err error)
	GetScheduledEmail(ctx context.Context, id string) (model.ScheduledEmail, error)
	UpdateScheduledEmail(ctx context.Context, id string, fn func(*model.ScheduledEmail) error) (model.ScheduledEmail, error)
	// ClaimDueEmails leases up to limit PENDING rows due at now that are not leased by another sweep.
	ClaimDueEmails(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.ScheduledEmail, error)
	// CompleteScheduledEmail stores the outcome of a send attempt on a PENDING row together
	// with its log entry. It reports false when the row had already left PENDING.
	CompleteScheduledEmail(ctx context.Context, e model.ScheduledEmail, log model.EmailLog) (bool, error)
}

type Campaigns interface {
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	UpdateCampaign(ctx context.Context, id string, fn func(*model.Campaign) error) (model.Campaign, error)
	// ListDueCampaigns returns SCHEDULED campaigns whose time is at or before now.
	ListDueCampaigns(ctx context.Context, now time.Time) ([]model.Campaign, error)
	// RecordCampaignAttempt appends log and bumps emails_sent or emails_failed in one write.
	RecordCampaignAttempt(ctx context.Context, campaignID string, log model.EmailLog) error
}

type Store interface {
	Directory
	Appointments
	Purchases
	ScheduledEmails
	Campaigns
}

type Renderer interface {
	RenderType(ctx context.Context, typ model.TemplateType, vars map[string]string) (model.Template, templates.Rendered, error)
	RenderTemplate(ctx context.Context, id string, vars map[string]string) (model.Template, templates.Rendered, error)
}
