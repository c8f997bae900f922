package storage

import (
	"context"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/jackc/pgx/v5"
)

const selectDiscount = `
	SELECT id, name, code, description, discount_type, applies_to, percentage_off, fixed_amount_off,
	       free_sessions, applicable_package_ids, applicable_service_ids, start_date, end_date, is_active,
	       max_uses_total, max_uses_per_client, current_uses, minimum_purchase, can_be_combined,
	       created_at, updated_at
	FROM discounts`

func scanDiscount(row rowScanner) (model.Discount, error) {
	var d model.Discount
	err := row.Scan(&d.ID, &d.Name, &d.Code, &d.Description, &d.Type, &d.AppliesTo, &d.PercentageOff, &d.FixedAmountOff,
		&d.FreeSessions, &d.ApplicablePackageIDs, &d.ApplicableServiceIDs, &d.StartDate, &d.EndDate, &d.Active,
		&d.MaxUsesTotal, &d.MaxUsesPerClient, &d.CurrentUses, &d.MinimumPurchase, &d.CanBeCombined,
		&d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *Store) GetDiscountByCode(ctx context.Context, code string) (model.Discount, error) {
	d, err := scanDiscount(s.pool.QueryRow(ctx, selectDiscount+` WHERE code = $1`, code))
	return d, translate(err)
}

func (s *Store) CreateDiscount(ctx context.Context, d model.Discount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO discounts (id, name, code, description, discount_type, applies_to, percentage_off,
		                       fixed_amount_off, free_sessions, applicable_package_ids, applicable_service_ids,
		                       start_date, end_date, is_active, max_uses_total, max_uses_per_client,
		                       current_uses, minimum_purchase, can_be_combined, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, d.ID, d.Name, d.Code, d.Description, d.Type, d.AppliesTo, d.PercentageOff,
		d.FixedAmountOff, d.FreeSessions, nonNil(d.ApplicablePackageIDs), nonNil(d.ApplicableServiceIDs),
		d.StartDate, d.EndDate, d.Active, d.MaxUsesTotal, d.MaxUsesPerClient,
		d.CurrentUses, d.MinimumPurchase, d.CanBeCombined, d.CreatedAt, d.UpdatedAt)
	return translate(err)
}

func (s *Store) CountDiscountUsages(ctx context.Context, discountID, clientID string) (int, error) {
	return countUsages(ctx, s.pool, discountID, clientID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countUsages(ctx context.Context, q querier, discountID, clientID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM discount_usages WHERE discount_id = $1 AND client_id = $2
	`, discountID, clientID).Scan(&n)
	return n, err
}

// RecordDiscountUsage locks the discount row, runs check against the locked state and, when it
// passes, bumps current_uses and stores the usage row.
func (s *Store) RecordDiscountUsage(ctx context.Context, usage model.DiscountUsage, check func(d model.Discount, clientUses int) error) (model.Discount, error) {
	var out model.Discount
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		d, err := scanDiscount(tx.QueryRow(ctx, selectDiscount+` WHERE id = $1 FOR UPDATE`, usage.DiscountID))
		if err != nil {
			return translate(err)
		}
		uses, err := countUsages(ctx, tx, d.ID, usage.ClientID)
		if err != nil {
			return err
		}
		if err := check(d, uses); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
			UPDATE discounts SET current_uses = current_uses + 1, updated_at = now()
			WHERE id = $1
			RETURNING current_uses, updated_at
		`, d.ID).Scan(&d.CurrentUses, &d.UpdatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO discount_usages (id, discount_id, client_id, package_purchase_id, appointment_id,
			                             original_price, discount_amount, final_price, used_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
		`, usage.ID, usage.DiscountID, usage.ClientID, usage.PackagePurchaseID, usage.AppointmentID,
			usage.OriginalPrice, usage.DiscountAmount, usage.FinalPrice, usage.UsedAt); err != nil {
			return translate(err)
		}
		out = d
		return nil
	})
	return out, err
}
