package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

// EnqueueDailyReminders queues and immediately sends reminders for appointments on the
// day after today. A reminder is marked sent only after a confirmed send, and that flag is
// what keeps later sweeps from sending it again, so a failed send is retried on the next run.
func (d *Dispatcher) EnqueueDailyReminders(ctx context.Context) (Summary, error) {
	var sum Summary
	now := d.clock.Now()
	day := model.DateOf(now).AddDate(0, 0, d.cfg.ReminderLeadDays)

	appts, err := d.store.ListReminderCandidates(ctx, day)
	if err != nil {
		return sum, fmt.Errorf("list reminder candidates: %w", err)
	}
	for _, a := range appts {
		client, err := d.store.GetClient(ctx, a.ClientID)
		if err != nil {
			return sum, fmt.Errorf("load client %s: %w", a.ClientID, err)
		}
		if !client.EmailNotifications {
			sum.Skipped++
			continue
		}
		svc, err := d.store.GetService(ctx, a.ServiceID)
		if err != nil {
			return sum, fmt.Errorf("load service %s: %w", a.ServiceID, err)
		}

		tmpl, r, err := d.templates.RenderType(ctx, model.TemplateReminder, map[string]string{
			"client_name":      client.FullName(),
			"appointment_date": model.FormatDate(a.Date),
			"appointment_time": a.StartTime.String(),
			"service_name":     svc.Name,
			"duration":         strconv.Itoa(a.DurationMinutes),
		})
		if d.skipOccasion(err, "job", "reminders", "appointment_id", a.ID) {
			sum.Skipped++
			continue
		}
		if err != nil {
			return sum, err
		}

		lease := now.Add(d.cfg.PendingLease)
		e := model.ScheduledEmail{
			ID:            model.NewID(),
			ClientID:      client.ID,
			Type:          model.EmailReminder,
			TemplateID:    tmpl.ID,
			ScheduledFor:  now,
			Status:        model.EmailPending,
			Subject:       r.Subject,
			HTML:          r.HTML,
			Text:          r.Text,
			AppointmentID: a.ID,
			ClaimedUntil:  &lease,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		created, err := d.store.CreateScheduledEmail(ctx, e)
		if err != nil {
			return sum, fmt.Errorf("queue reminder for %s: %w", a.ID, err)
		}
		if !created {
			sum.Skipped++
			continue
		}
		sum.Queued++

		sent, err := d.deliver(ctx, e, client)
		if err != nil {
			return sum, err
		}
		if sent {
			sum.Sent++
		} else {
			sum.Failed++
		}
	}
	return sum, nil
}

// EnqueuePackageExpiryWarnings queues a warning for each active purchase expiring in
// ExpiryWarningDays. The pending sweep sends them.
func (d *Dispatcher) EnqueuePackageExpiryWarnings(ctx context.Context) (Summary, error) {
	var sum Summary
	now := d.clock.Now()
	expiry := model.DateOf(now).AddDate(0, 0, d.cfg.ExpiryWarningDays)

	purchases, err := d.store.ListExpiringPurchases(ctx, expiry)
	if err != nil {
		return sum, fmt.Errorf("list expiring purchases: %w", err)
	}
	for _, p := range purchases {
		client, err := d.store.GetClient(ctx, p.ClientID)
		if err != nil {
			return sum, fmt.Errorf("load client %s: %w", p.ClientID, err)
		}
		if !client.EmailNotifications {
			sum.Skipped++
			continue
		}
		pkg, err := d.store.GetPackage(ctx, p.PackageID)
		if err != nil {
			return sum, fmt.Errorf("load package %s: %w", p.PackageID, err)
		}

		tmpl, r, err := d.templates.RenderType(ctx, model.TemplatePackageExpiry, map[string]string{
			"client_name":        client.FullName(),
			"package_name":       pkg.Name,
			"expiry_date":        model.FormatDate(p.ExpiryDate),
			"sessions_remaining": strconv.Itoa(p.SessionsRemaining),
		})
		if d.skipOccasion(err, "job", "package_expiry", "purchase_id", p.ID) {
			sum.Skipped++
			continue
		}
		if err != nil {
			return sum, err
		}

		created, err := d.store.CreateScheduledEmail(ctx, model.ScheduledEmail{
			ID:                model.NewID(),
			ClientID:          client.ID,
			Type:              model.EmailPackageExpiry,
			TemplateID:        tmpl.ID,
			ScheduledFor:      now,
			Status:            model.EmailPending,
			Subject:           r.Subject,
			HTML:              r.HTML,
			Text:              r.Text,
			PackagePurchaseID: p.ID,
			OccasionKey:       occasionKey(model.EmailPackageExpiry, p.ID, model.FormatDate(p.ExpiryDate)),
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		if err != nil {
			return sum, fmt.Errorf("queue expiry warning for %s: %w", p.ID, err)
		}
		if created {
			sum.Queued++
		} else {
			sum.Skipped++
		}
		if err := d.store.MarkExpiryWarningQueued(ctx, p.ID, now); err != nil {
			return sum, fmt.Errorf("mark expiry warning on %s: %w", p.ID, err)
		}
	}
	return sum, nil
}

// EnqueueBirthdayGreetings queues greetings for clients born today. Clients born on
// February 29 are greeted on February 28 in common years.
func (d *Dispatcher) EnqueueBirthdayGreetings(ctx context.Context) (Summary, error) {
	var sum Summary
	now := d.clock.Now()
	today := model.DateOf(now)

	clients, err := d.store.ListBirthdayClients(ctx, today.Month(), today.Day())
	if err != nil {
		return sum, fmt.Errorf("list birthday clients: %w", err)
	}
	if today.Month() == time.February && today.Day() == 28 && !isLeap(today.Year()) {
		leaplings, err := d.store.ListBirthdayClients(ctx, time.February, 29)
		if err != nil {
			return sum, fmt.Errorf("list birthday clients: %w", err)
		}
		clients = append(clients, leaplings...)
	}

	for _, c := range clients {
		tmpl, r, err := d.templates.RenderType(ctx, model.TemplateBirthday, map[string]string{
			"client_name": c.FullName(),
			"age":         strconv.Itoa(c.Age(today)),
		})
		if d.skipOccasion(err, "job", "birthdays", "client_id", c.ID) {
			sum.Skipped++
			continue
		}
		if err != nil {
			return sum, err
		}
		created, err := d.store.CreateScheduledEmail(ctx, model.ScheduledEmail{
			ID:           model.NewID(),
			ClientID:     c.ID,
			Type:         model.EmailBirthday,
			TemplateID:   tmpl.ID,
			ScheduledFor: now,
			Status:       model.EmailPending,
			Subject:      r.Subject,
			HTML:         r.HTML,
			Text:         r.Text,
			OccasionKey:  occasionKey(model.EmailBirthday, c.ID, strconv.Itoa(today.Year())),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return sum, fmt.Errorf("queue birthday greeting for %s: %w", c.ID, err)
		}
		if created {
			sum.Queued++
		} else {
			sum.Skipped++
		}
	}
	return sum, nil
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
