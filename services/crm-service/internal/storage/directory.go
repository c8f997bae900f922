package storage

import (
	"context"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

const selectClient = `
	SELECT id, first_name, last_name, email, phone, date_of_birth, is_active,
	       email_notifications, marketing_emails, last_visit_date, created_at
	FROM clients`

func scanClient(row rowScanner) (model.Client, error) {
	var c model.Client
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.DateOfBirth, &c.Active,
		&c.EmailNotifications, &c.MarketingEmails, &c.LastVisitDate, &c.CreatedAt)
	return c, err
}

func (s *Store) GetClient(ctx context.Context, id string) (model.Client, error) {
	c, err := scanClient(s.pool.QueryRow(ctx, selectClient+` WHERE id = $1`, id))
	return c, translate(err)
}

// UpsertClient mirrors a client record owned by the front office.
func (s *Store) UpsertClient(ctx context.Context, c model.Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, first_name, last_name, email, phone, date_of_birth, is_active,
		                     email_notifications, marketing_emails, last_visit_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			date_of_birth = EXCLUDED.date_of_birth,
			is_active = EXCLUDED.is_active,
			email_notifications = EXCLUDED.email_notifications,
			marketing_emails = EXCLUDED.marketing_emails
	`, c.ID, c.FirstName, c.LastName, c.Email, c.Phone, c.DateOfBirth, c.Active,
		c.EmailNotifications, c.MarketingEmails, c.LastVisitDate)
	return translate(err)
}

func (s *Store) TouchLastVisit(ctx context.Context, clientID string, date time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE clients SET last_visit_date = GREATEST(last_visit_date, $2) WHERE id = $1`, clientID, model.DateOf(date))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) ListBirthdayClients(ctx context.Context, month time.Month, day int) ([]model.Client, error) {
	rows, err := s.pool.Query(ctx, selectClient+`
		WHERE is_active AND marketing_emails AND date_of_birth IS NOT NULL
		  AND EXTRACT(MONTH FROM date_of_birth) = $1
		  AND EXTRACT(DAY FROM date_of_birth) = $2
		ORDER BY id
	`, int(month), day)
	return collect(rows, err, scanClient)
}

func (s *Store) ListCampaignRecipients(ctx context.Context, f model.RecipientFilter) ([]model.Client, error) {
	rows, err := s.pool.Query(ctx, selectClient+`
		WHERE ($1::boolean OR id = ANY($2::text[]))
		  AND (NOT $3::boolean OR is_active)
		  AND (NOT $4::boolean OR marketing_emails)
		ORDER BY id
	`, f.SendToAll, f.ClientIDs, f.OnlyActive, f.OnlyMarketingSubscribers)
	return collect(rows, err, scanClient)
}

const selectService = `SELECT id, name, duration_minutes, base_price, is_active FROM services`

func (s *Store) GetService(ctx context.Context, id string) (model.Service, error) {
	var v model.Service
	err := s.pool.QueryRow(ctx, selectService+` WHERE id = $1`, id).
		Scan(&v.ID, &v.Name, &v.DurationMinutes, &v.BasePrice, &v.Active)
	return v, translate(err)
}

func (s *Store) UpsertService(ctx context.Context, v model.Service) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (id, name, duration_minutes, base_price, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			duration_minutes = EXCLUDED.duration_minutes,
			base_price = EXCLUDED.base_price,
			is_active = EXCLUDED.is_active
	`, v.ID, v.Name, v.DurationMinutes, v.BasePrice, v.Active)
	return translate(err)
}

func (s *Store) GetPackage(ctx context.Context, id string) (model.Package, error) {
	var p model.Package
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, category, service_ids, total_sessions, price, validity_days, is_active
		FROM packages
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.ServiceIDs, &p.TotalSessions, &p.Price, &p.ValidityDays, &p.Active)
	return p, translate(err)
}

func (s *Store) UpsertPackage(ctx context.Context, p model.Package) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO packages (id, name, category, service_ids, total_sessions, price, validity_days, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			service_ids = EXCLUDED.service_ids,
			total_sessions = EXCLUDED.total_sessions,
			price = EXCLUDED.price,
			validity_days = EXCLUDED.validity_days,
			is_active = EXCLUDED.is_active
	`, p.ID, p.Name, p.Category, nonNil(p.ServiceIDs), p.TotalSessions, p.Price, p.ValidityDays, p.Active)
	return translate(err)
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
