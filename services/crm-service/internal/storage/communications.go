package storage

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
	"github.com/jackc/pgx/v5"
)

const selectTemplate = `
	SELECT id, name, template_type, subject, html_content, text_content, is_active, created_at, updated_at
	FROM email_templates`

func scanTemplate(row rowScanner) (model.Template, error) {
	var t model.Template
	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.Subject, &t.HTML, &t.Text, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	t, err := scanTemplate(s.pool.QueryRow(ctx, selectTemplate+` WHERE id = $1`, id))
	return t, translate(err)
}

func (s *Store) ListActiveTemplates(ctx context.Context, typ model.TemplateType) ([]model.Template, error) {
	rows, err := s.pool.Query(ctx, selectTemplate+`
		WHERE template_type = $1 AND is_active
		ORDER BY created_at DESC, id
	`, typ)
	return collect(rows, err, scanTemplate)
}

func (s *Store) UpsertTemplate(ctx context.Context, t model.Template) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_templates (id, name, template_type, subject, html_content, text_content, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			template_type = EXCLUDED.template_type,
			subject = EXCLUDED.subject,
			html_content = EXCLUDED.html_content,
			text_content = EXCLUDED.text_content,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`, t.ID, t.Name, t.Type, t.Subject, t.HTML, t.Text, t.Active, t.CreatedAt, t.UpdatedAt)
	return translate(err)
}

const scheduledColumns = `
	id, client_id, email_type, COALESCE(template_id, ''), scheduled_for, status, subject, html_content,
	text_content, COALESCE(appointment_id, ''), COALESCE(package_purchase_id, ''), COALESCE(occasion_key, ''),
	claimed_until, sent_at, error_message, opened_at, created_at, updated_at`

const selectScheduled = `SELECT ` + scheduledColumns + ` FROM scheduled_emails`

func scanScheduled(row rowScanner) (model.ScheduledEmail, error) {
	var e model.ScheduledEmail
	err := row.Scan(&e.ID, &e.ClientID, &e.Type, &e.TemplateID, &e.ScheduledFor, &e.Status, &e.Subject, &e.HTML,
		&e.Text, &e.AppointmentID, &e.PackagePurchaseID, &e.OccasionKey,
		&e.ClaimedUntil, &e.SentAt, &e.ErrorMessage, &e.OpenedAt, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// CreateScheduledEmail reports false when another row already holds e's occasion key.
// A ClaimedUntil set by the caller is stored so the row starts out leased.
func (s *Store) CreateScheduledEmail(ctx context.Context, e model.ScheduledEmail) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_emails (id, client_id, email_type, template_id, scheduled_for, status, subject,
		                              html_content, text_content, appointment_id, package_purchase_id,
		                              occasion_key, claimed_until, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''),
		        NULLIF($12, ''), $13, $14, $15)
		ON CONFLICT (occasion_key) DO NOTHING
	`, e.ID, e.ClientID, e.Type, e.TemplateID, e.ScheduledFor, e.Status, e.Subject,
		e.HTML, e.Text, e.AppointmentID, e.PackagePurchaseID,
		e.OccasionKey, e.ClaimedUntil, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetScheduledEmail(ctx context.Context, id string) (model.ScheduledEmail, error) {
	e, err := scanScheduled(s.pool.QueryRow(ctx, selectScheduled+` WHERE id = $1`, id))
	return e, translate(err)
}

func writeScheduled(ctx context.Context, tx pgx.Tx, e model.ScheduledEmail) error {
	_, err := tx.Exec(ctx, `
		UPDATE scheduled_emails SET
			status = $2, scheduled_for = $3, subject = $4, html_content = $5, text_content = $6,
			claimed_until = $7, sent_at = $8, error_message = $9, opened_at = $10, updated_at = $11
		WHERE id = $1
	`, e.ID, e.Status, e.ScheduledFor, e.Subject, e.HTML, e.Text,
		e.ClaimedUntil, e.SentAt, e.ErrorMessage, e.OpenedAt, e.UpdatedAt)
	return err
}

func (s *Store) UpdateScheduledEmail(ctx context.Context, id string, fn func(*model.ScheduledEmail) error) (model.ScheduledEmail, error) {
	return lockedUpdate(ctx, s, selectScheduled+` WHERE id = $1 FOR UPDATE`, id, scanScheduled, fn,
		func(tx pgx.Tx, e model.ScheduledEmail) error { return writeScheduled(ctx, tx, e) })
}

// ClaimDueEmails leases up to limit due PENDING rows until now+lease. Rows leased by another
// worker, or locked by a concurrent claim, are skipped.
func (s *Store) ClaimDueEmails(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.ScheduledEmail, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_emails SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM scheduled_emails
			WHERE status = 'PENDING' AND scheduled_for <= $1
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY scheduled_for, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scheduledColumns, now, now.Add(lease), lim)
	out, err := collect(rows, err, scanScheduled)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b model.ScheduledEmail) int {
		return cmp.Or(a.ScheduledFor.Compare(b.ScheduledFor), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// CompleteScheduledEmail always stores the attempt log. The row itself is only written while it is
// still PENDING, and the return value reports whether it was.
func (s *Store) CompleteScheduledEmail(ctx context.Context, e model.ScheduledEmail, log model.EmailLog) (bool, error) {
	var written bool
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		var status model.EmailStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM scheduled_emails WHERE id = $1 FOR UPDATE`, e.ID).Scan(&status); err != nil {
			return translate(err)
		}
		if err := s.insertLog(ctx, tx, log); err != nil {
			return err
		}
		if status != model.EmailPending {
			return nil
		}
		if err := writeScheduled(ctx, tx, e); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

func (s *Store) insertLog(ctx context.Context, tx pgx.Tx, l model.EmailLog) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO email_logs (id, client_id, subject, sent_to, email_type, campaign_id, scheduled_email_id,
		                        sent_successfully, error_message, sent_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
	`, l.ID, l.ClientID, l.Subject, l.SentTo, l.EmailType, l.CampaignID, l.ScheduledEmailID,
		l.SentSuccessfully, l.ErrorMessage, l.SentAt); err != nil {
		return translate(err)
	}
	evt, err := outbox.EmailAttempted(l)
	return s.emit(ctx, tx, evt, err)
}

const selectCampaign = `
	SELECT id, name, template_id, send_to_all, target_client_ids, only_marketing_subscribers,
	       only_active_clients, status, scheduled_for, sent_at, total_recipients, emails_sent,
	       emails_failed, emails_opened, links_clicked, created_at, updated_at
	FROM email_campaigns`

func scanCampaign(row rowScanner) (model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.TemplateID, &c.SendToAll, &c.TargetClientIDs, &c.OnlyMarketingSubscribers,
		&c.OnlyActiveClients, &c.Status, &c.ScheduledFor, &c.SentAt, &c.TotalRecipients, &c.EmailsSent,
		&c.EmailsFailed, &c.EmailsOpened, &c.LinksClicked, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *Store) CreateCampaign(ctx context.Context, c model.Campaign) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_campaigns (id, name, template_id, send_to_all, target_client_ids,
		                             only_marketing_subscribers, only_active_clients, status, scheduled_for,
		                             created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.Name, c.TemplateID, c.SendToAll, nonNil(c.TargetClientIDs),
		c.OnlyMarketingSubscribers, c.OnlyActiveClients, c.Status, c.ScheduledFor,
		c.CreatedAt, c.UpdatedAt)
	return translate(err)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	c, err := scanCampaign(s.pool.QueryRow(ctx, selectCampaign+` WHERE id = $1`, id))
	return c, translate(err)
}

// UpdateCampaign writes the lifecycle fields only. Delivery counters belong to RecordCampaignAttempt
// and RecordEngagement.
func (s *Store) UpdateCampaign(ctx context.Context, id string, fn func(*model.Campaign) error) (model.Campaign, error) {
	return lockedUpdate(ctx, s, selectCampaign+` WHERE id = $1 FOR UPDATE`, id, scanCampaign, fn,
		func(tx pgx.Tx, c model.Campaign) error {
			_, err := tx.Exec(ctx, `
				UPDATE email_campaigns SET
					status = $2, scheduled_for = $3, sent_at = $4, total_recipients = $5, updated_at = $6
				WHERE id = $1
			`, c.ID, c.Status, c.ScheduledFor, c.SentAt, c.TotalRecipients, c.UpdatedAt)
			return err
		})
}

func (s *Store) ListDueCampaigns(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	rows, err := s.pool.Query(ctx, selectCampaign+`
		WHERE status = $1 AND scheduled_for IS NOT NULL AND scheduled_for <= $2
		ORDER BY id
	`, model.CampaignScheduled, now)
	return collect(rows, err, scanCampaign)
}

// RecordCampaignAttempt bumps the sent or failed counter and stores the log row atomically.
func (s *Store) RecordCampaignAttempt(ctx context.Context, campaignID string, log model.EmailLog) error {
	return s.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE email_campaigns SET
				emails_sent = emails_sent + CASE WHEN $2 THEN 1 ELSE 0 END,
				emails_failed = emails_failed + CASE WHEN $2 THEN 0 ELSE 1 END
			WHERE id = $1
		`, campaignID, log.SentSuccessfully)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return model.ErrNotFound
		}
		return s.insertLog(ctx, tx, log)
	})
}

// RecordEngagement stamps an open or click on an email log once and bumps the owning
// campaign's counter. It reports whether this was the first such event.
func (s *Store) RecordEngagement(ctx context.Context, logID string, kind model.EngagementKind, at time.Time) (bool, error) {
	column, counter := "opened_at", "emails_opened"
	if kind == model.EngagementClicked {
		column, counter = "clicked_at", "links_clicked"
	}
	var first bool
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		var campaignID, scheduledID string
		var stamped *time.Time
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(campaign_id, ''), COALESCE(scheduled_email_id, ''), `+column+`
			FROM email_logs WHERE id = $1 FOR UPDATE
		`, logID).Scan(&campaignID, &scheduledID, &stamped); err != nil {
			return translate(err)
		}
		if stamped != nil {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE email_logs SET `+column+` = $2 WHERE id = $1`, logID, at); err != nil {
			return err
		}
		if campaignID != "" {
			if _, err := tx.Exec(ctx, `UPDATE email_campaigns SET `+counter+` = `+counter+` + 1 WHERE id = $1`, campaignID); err != nil {
				return err
			}
		}
		if kind == model.EngagementOpened && scheduledID != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE scheduled_emails SET opened_at = COALESCE(opened_at, $2) WHERE id = $1
			`, scheduledID, at); err != nil {
				return err
			}
		}
		first = true
		return nil
	})
	return first, err
}
