package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/email"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"golang.org/x/sync/errgroup"
)

func notSendable(c *model.Campaign) error {
	return fmt.Errorf("%w: campaign %s is %s", ErrCampaignNotSendable, c.ID, c.Status)
}

// ScheduleCampaign sets the send time of a DRAFT or SCHEDULED campaign.
func (d *Dispatcher) ScheduleCampaign(ctx context.Context, id string, at time.Time) (model.Campaign, error) {
	now := d.clock.Now()
	return d.store.UpdateCampaign(ctx, id, func(c *model.Campaign) error {
		if !c.Status.Sendable() {
			return notSendable(c)
		}
		c.Status = model.CampaignScheduled
		c.ScheduledFor = &at
		c.UpdatedAt = now
		return nil
	})
}

// CancelCampaign stops a DRAFT or SCHEDULED campaign from ever sending.
func (d *Dispatcher) CancelCampaign(ctx context.Context, id string) (model.Campaign, error) {
	now := d.clock.Now()
	return d.store.UpdateCampaign(ctx, id, func(c *model.Campaign) error {
		if !c.Status.Sendable() {
			return notSendable(c)
		}
		c.Status = model.CampaignCancelled
		c.UpdatedAt = now
		return nil
	})
}

// SendCampaign sends the campaign template to every recipient. A failed delivery to one
// recipient is counted and logged without stopping the others.
func (d *Dispatcher) SendCampaign(ctx context.Context, id string) (Summary, error) {
	var sum Summary
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return sum, fmt.Errorf("load campaign %s: %w", id, err)
	}
	if !c.Status.Sendable() {
		return sum, notSendable(&c)
	}
	// Fail before leaving DRAFT/SCHEDULED if the template is gone.
	if _, _, err := d.templates.RenderTemplate(ctx, c.TemplateID, nil); err != nil {
		return sum, fmt.Errorf("campaign %s: %w", id, err)
	}

	c, err = d.store.UpdateCampaign(ctx, id, func(c *model.Campaign) error {
		if !c.Status.Sendable() {
			return notSendable(c)
		}
		c.Status = model.CampaignSending
		c.UpdatedAt = d.clock.Now()
		return nil
	})
	if err != nil {
		return sum, err
	}

	recipients, err := d.store.ListCampaignRecipients(ctx, c.RecipientFilter())
	if err != nil {
		return sum, fmt.Errorf("list recipients of %s: %w", id, err)
	}
	if _, err := d.store.UpdateCampaign(ctx, id, func(c *model.Campaign) error {
		c.TotalRecipients = len(recipients)
		return nil
	}); err != nil {
		return sum, err
	}
	d.logger.Info("campaign sending", "campaign_id", id, "recipients", len(recipients))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.SendConcurrency)
	for _, client := range recipients {
		g.Go(func() error {
			sent, err := d.sendCampaignTo(gctx, c, client)
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
	if err := g.Wait(); err != nil {
		return sum, fmt.Errorf("campaign %s: %w", id, err)
	}

	now := d.clock.Now()
	if _, err := d.store.UpdateCampaign(ctx, id, func(c *model.Campaign) error {
		c.Status = model.CampaignSent
		c.SentAt = &now
		c.UpdatedAt = now
		return nil
	}); err != nil {
		return sum, err
	}
	d.logger.Info("campaign sent", append([]any{"campaign_id", id}, sum.LogAttrs()...)...)
	return sum, nil
}

func (d *Dispatcher) sendCampaignTo(ctx context.Context, c model.Campaign, client model.Client) (bool, error) {
	vars := map[string]string{
		"client_name":  client.FullName(),
		"client_email": client.Email,
	}
	_, r, err := d.templates.RenderTemplate(ctx, c.TemplateID, vars)
	sendErr := err
	if err == nil {
		sendErr = d.sender.Send(ctx, email.Message{To: client.Email, Subject: r.Subject, HTML: r.HTML, Text: r.Text})
	}

	log := model.EmailLog{
		ID:               model.NewID(),
		ClientID:         client.ID,
		Subject:          r.Subject,
		SentTo:           client.Email,
		EmailType:        model.EmailLogTypeCampaign,
		CampaignID:       c.ID,
		SentSuccessfully: sendErr == nil,
		SentAt:           d.clock.Now(),
	}
	if sendErr != nil {
		log.ErrorMessage = sendErr.Error()
		d.logger.Warn("campaign delivery failed", "campaign_id", c.ID, "client_id", client.ID, "err", sendErr)
	}
	if err := d.store.RecordCampaignAttempt(ctx, c.ID, log); err != nil {
		return false, fmt.Errorf("record attempt for client %s: %w", client.ID, err)
	}
	return sendErr == nil, nil
}

// SendDueCampaigns sends every SCHEDULED campaign whose time has come.
func (d *Dispatcher) SendDueCampaigns(ctx context.Context) (Summary, error) {
	var total Summary
	due, err := d.store.ListDueCampaigns(ctx, d.clock.Now())
	if err != nil {
		return total, fmt.Errorf("list due campaigns: %w", err)
	}
	for _, c := range due {
		sum, err := d.SendCampaign(ctx, c.ID)
		if errors.Is(err, ErrCampaignNotSendable) {
			total.Skipped++
			continue
		}
		if d.skipOccasion(err, "job", "campaigns", "campaign_id", c.ID) {
			total.Skipped++
			continue
		}
		total.Sent += sum.Sent
		total.Failed += sum.Failed
		if err != nil {
			return total, err
		}
		total.Queued++
	}
	return total, nil
}
