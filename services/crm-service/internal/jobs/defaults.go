package jobs

import (
	"context"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/dispatch"
)

// Schedules holds one cron spec per default job.
type Schedules struct {
	Reminders  string
	Expiry     string
	Birthdays  string
	Pending    string
	Campaigns  string
	Reevaluate string
}

func DefaultSchedules() Schedules {
	return Schedules{
		Reminders:  "0 9 * * *",
		Expiry:     "0 10 * * *",
		Birthdays:  "0 8 * * *",
		Pending:    "*/15 * * * *",
		Campaigns:  "*/5 * * * *",
		Reevaluate: "30 0 * * *",
	}
}

// Dispatcher is the part of *dispatch.Dispatcher the jobs call.
type Dispatcher interface {
	EnqueueDailyReminders(ctx context.Context) (dispatch.Summary, error)
	EnqueuePackageExpiryWarnings(ctx context.Context) (dispatch.Summary, error)
	EnqueueBirthdayGreetings(ctx context.Context) (dispatch.Summary, error)
	ProcessPending(ctx context.Context) (dispatch.Summary, error)
	SendDueCampaigns(ctx context.Context) (dispatch.Summary, error)
}

type Ledger interface {
	ReevaluateAll(ctx context.Context) (int, error)
}

func summarize(fn func(context.Context) (dispatch.Summary, error)) func(context.Context) ([]any, error) {
	return func(ctx context.Context) ([]any, error) {
		sum, err := fn(ctx)
		return sum.LogAttrs(), err
	}
}

// DefaultJobs wires the periodic sweeps of the CRM.
func DefaultJobs(d Dispatcher, l Ledger, s Schedules) []Job {
	return []Job{
		{Name: "reminders", Schedule: s.Reminders, Run: summarize(d.EnqueueDailyReminders)},
		{Name: "package_expiry", Schedule: s.Expiry, Run: summarize(d.EnqueuePackageExpiryWarnings)},
		{Name: "birthdays", Schedule: s.Birthdays, Run: summarize(d.EnqueueBirthdayGreetings)},
		{Name: "pending", Schedule: s.Pending, Run: summarize(d.ProcessPending)},
		{Name: "campaigns", Schedule: s.Campaigns, Run: summarize(d.SendDueCampaigns)},
		{Name: "reevaluate_purchases", Schedule: s.Reevaluate, Run: func(ctx context.Context) ([]any, error) {
			n, err := l.ReevaluateAll(ctx)
			return []any{"changed", n}, err
		}},
	}
}
