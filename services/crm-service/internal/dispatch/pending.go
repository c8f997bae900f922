package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"golang.org/x/sync/errgroup"
)

// ProcessPending sends due PENDING emails once each. Rows are leased before sending so a
// concurrent sweep skips them; failures become FAILED and are not retried here.
func (d *Dispatcher) ProcessPending(ctx context.Context) (Summary, error) {
	var (
		mu  sync.Mutex
		sum Summary
	)
	now := d.clock.Now()
	due, err := d.store.ClaimDueEmails(ctx, now, d.cfg.PendingLease, d.cfg.PendingBatchSize)
	if err != nil {
		return sum, fmt.Errorf("claim due emails: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.SendConcurrency)
	for _, e := range due {
		g.Go(func() error {
			client, err := d.store.GetClient(gctx, e.ClientID)
			if errors.Is(err, model.ErrNotFound) {
				if err := d.failUndeliverable(gctx, e, err); err != nil {
					return err
				}
				mu.Lock()
				sum.Failed++
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("load client %s: %w", e.ClientID, err)
			}
			stale, err := d.dropStaleReminder(gctx, e)
			if err != nil {
				return err
			}
			if stale {
				mu.Lock()
				sum.Skipped++
				mu.Unlock()
				return nil
			}
			sent, err := d.deliver(gctx, e, client)
			if err != nil {
				return err
			}
			mu.Lock()
			if sent {
				sum.Sent++
			} else {
				sum.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return sum, err
}

// dropStaleReminder cancels a reminder whose appointment was already reminded by another
// row and reports whether it did.
func (d *Dispatcher) dropStaleReminder(ctx context.Context, e model.ScheduledEmail) (bool, error) {
	if e.Type != model.EmailReminder || e.AppointmentID == "" {
		return false, nil
	}
	a, err := d.store.GetAppointment(ctx, e.AppointmentID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load appointment %s: %w", e.AppointmentID, err)
	}
	if !a.ReminderSent {
		return false, nil
	}
	if _, err := d.CancelScheduledEmail(ctx, e.ID); err != nil && !errors.Is(err, ErrInvalidEmailState) {
		return false, err
	}
	d.logger.Info("reminder already sent; pending copy cancelled", "scheduled_email_id", e.ID, "appointment_id", e.AppointmentID)
	return true, nil
}

// CancelScheduledEmail moves a PENDING email to CANCELLED.
func (d *Dispatcher) CancelScheduledEmail(ctx context.Context, id string) (model.ScheduledEmail, error) {
	now := d.clock.Now()
	return d.store.UpdateScheduledEmail(ctx, id, func(e *model.ScheduledEmail) error {
		if e.Status != model.EmailPending {
			return fmt.Errorf("%w: cancel needs PENDING, have %s", ErrInvalidEmailState, e.Status)
		}
		e.Status = model.EmailCancelled
		e.ClaimedUntil = nil
		e.UpdatedAt = now
		return nil
	})
}

// RetryFailed returns a FAILED email to PENDING so the next sweep sends it again.
func (d *Dispatcher) RetryFailed(ctx context.Context, id string) (model.ScheduledEmail, error) {
	now := d.clock.Now()
	return d.store.UpdateScheduledEmail(ctx, id, func(e *model.ScheduledEmail) error {
		if e.Status != model.EmailFailed {
			return fmt.Errorf("%w: retry needs FAILED, have %s", ErrInvalidEmailState, e.Status)
		}
		e.Status = model.EmailPending
		e.ErrorMessage = ""
		e.ClaimedUntil = nil
		e.UpdatedAt = now
		return nil
	})
}
