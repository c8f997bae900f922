package storage

import (
	"context"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/jackc/pgx/v5"
)

const selectPurchase = `
	SELECT id, client_id, package_id, purchase_date, expiry_date, status, original_price,
	       discount_applied, final_price, COALESCE(discount_id, ''), total_sessions, sessions_used,
	       sessions_remaining, notes, consumed_appointment_ids, expiry_warning_queued_at, created_at, updated_at
	FROM package_purchases`

func scanPurchase(row rowScanner) (model.PackagePurchase, error) {
	var p model.PackagePurchase
	err := row.Scan(&p.ID, &p.ClientID, &p.PackageID, &p.PurchaseDate, &p.ExpiryDate, &p.Status, &p.OriginalPrice,
		&p.DiscountApplied, &p.FinalPrice, &p.DiscountID, &p.TotalSessions, &p.SessionsUsed,
		&p.SessionsRemaining, &p.Notes, &p.ConsumedBy, &p.ExpiryWarningQueuedAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) CreatePurchase(ctx context.Context, p model.PackagePurchase) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO package_purchases (id, client_id, package_id, purchase_date, expiry_date, status,
		                               original_price, discount_applied, final_price, discount_id,
		                               total_sessions, sessions_used, sessions_remaining, notes,
		                               consumed_appointment_ids, expiry_warning_queued_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16, $17, $18)
	`, p.ID, p.ClientID, p.PackageID, p.PurchaseDate, p.ExpiryDate, p.Status,
		p.OriginalPrice, p.DiscountApplied, p.FinalPrice, p.DiscountID,
		p.TotalSessions, p.SessionsUsed, p.SessionsRemaining, p.Notes,
		nonNil(p.ConsumedBy), p.ExpiryWarningQueuedAt, p.CreatedAt, p.UpdatedAt)
	return translate(err)
}

func (s *Store) GetPurchase(ctx context.Context, id string) (model.PackagePurchase, error) {
	p, err := scanPurchase(s.pool.QueryRow(ctx, selectPurchase+` WHERE id = $1`, id))
	return p, translate(err)
}

func (s *Store) UpdatePurchase(ctx context.Context, id string, fn func(*model.PackagePurchase) error) (model.PackagePurchase, error) {
	return lockedUpdate(ctx, s, selectPurchase+` WHERE id = $1 FOR UPDATE`, id, scanPurchase, fn,
		func(tx pgx.Tx, p model.PackagePurchase) error {
			_, err := tx.Exec(ctx, `
				UPDATE package_purchases SET
					expiry_date = $2, status = $3, sessions_used = $4, sessions_remaining = $5,
					notes = $6, consumed_appointment_ids = $7, expiry_warning_queued_at = $8, updated_at = $9
				WHERE id = $1
			`, p.ID, p.ExpiryDate, p.Status, p.SessionsUsed, p.SessionsRemaining,
				p.Notes, nonNil(p.ConsumedBy), p.ExpiryWarningQueuedAt, p.UpdatedAt)
			return err
		})
}

// ListStalePurchases returns ACTIVE purchases that are used up or past expiry on today.
func (s *Store) ListStalePurchases(ctx context.Context, today time.Time) ([]model.PackagePurchase, error) {
	rows, err := s.pool.Query(ctx, selectPurchase+`
		WHERE status = $1 AND (total_sessions - sessions_used <= 0 OR expiry_date < $2)
		ORDER BY id
	`, model.PurchaseActive, model.DateOf(today))
	return collect(rows, err, scanPurchase)
}

func (s *Store) ListExpiringPurchases(ctx context.Context, date time.Time) ([]model.PackagePurchase, error) {
	rows, err := s.pool.Query(ctx, selectPurchase+`
		WHERE status = $1 AND expiry_warning_queued_at IS NULL AND expiry_date = $2
		ORDER BY id
	`, model.PurchaseActive, model.DateOf(date))
	return collect(rows, err, scanPurchase)
}

func (s *Store) MarkExpiryWarningQueued(ctx context.Context, purchaseID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE package_purchases SET expiry_warning_queued_at = COALESCE(expiry_warning_queued_at, $2)
		WHERE id = $1
	`, purchaseID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
