// Package pricing resolves final prices under discount rules.
//
// The functions in this file are pure. Recording a usage is a separate step on Service
// and must run only after the purchase or appointment it belongs to is committed.
package pricing

import (
	"errors"
	"slices"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrDiscountInvalid    = errors.New("discount cannot be applied")
	ErrDiscountExhausted  = errors.New("discount usage cap reached")
	ErrClientLimitReached = errors.New("client reached discount usage limit")
)

var hundred = decimal.NewFromInt(100)

// Target is the item a discount is being applied to.
type Target struct {
	Scope  model.DiscountScope // PACKAGE or SERVICE
	ItemID string
}

func PackageTarget(id string) Target { return Target{Scope: model.ScopePackage, ItemID: id} }
func ServiceTarget(id string) Target { return Target{Scope: model.ScopeService, ItemID: id} }

// ApplyDiscount returns the monetary amount taken off base. Session-based discounts
// contribute zero; their effect is on session counts (see BonusSessions).
func ApplyDiscount(base decimal.Decimal, d model.Discount) decimal.Decimal {
	switch d.Type {
	case model.DiscountPercentage:
		if !d.PercentageOff.Valid || !d.PercentageOff.Decimal.IsPositive() {
			return decimal.Zero
		}
		amount := base.Mul(d.PercentageOff.Decimal).Div(hundred).Round(2)
		if amount.GreaterThan(base) {
			return base
		}
		return amount
	case model.DiscountFixed:
		if !d.FixedAmountOff.Valid || !d.FixedAmountOff.Decimal.IsPositive() {
			return decimal.Zero
		}
		return decimal.Min(d.FixedAmountOff.Decimal, base)
	}
	return decimal.Zero
}

// BonusSessions is the number of sessions a discount adds to a package purchase.
func BonusSessions(d model.Discount) int {
	switch d.Type {
	case model.DiscountFreeSession:
		return d.FreeSessions
	case model.DiscountBOGO:
		if d.FreeSessions > 0 {
			return d.FreeSessions
		}
		return 1
	}
	return 0
}

func grantsSessions(d model.Discount) bool {
	return d.Type == model.DiscountFreeSession || d.Type == model.DiscountBOGO
}

// IsValid checks the active flag, the date window (dates only) and the global cap.
func IsValid(d model.Discount, now time.Time) bool {
	if !d.Active {
		return false
	}
	if model.DateAfter(d.StartDate, now) {
		return false
	}
	if d.EndDate != nil && model.DateAfter(now, *d.EndDate) {
		return false
	}
	return !capReached(d)
}

// a zero cap means unlimited, like an absent one.
func capReached(d model.Discount) bool {
	return d.MaxUsesTotal != nil && *d.MaxUsesTotal > 0 && d.CurrentUses >= *d.MaxUsesTotal
}

func CanClientUse(d model.Discount, pastUses int, now time.Time) bool {
	return IsValid(d, now) && pastUses < d.MaxUsesPerClient
}

// Applies reports whether d covers the target. Empty item sets cover every item of the scope.
// Session-based discounts only ever cover packages.
func Applies(d model.Discount, t Target) bool {
	if grantsSessions(d) && t.Scope != model.ScopePackage {
		return false
	}
	switch d.AppliesTo {
	case model.ScopeAll, "":
	case t.Scope:
	default:
		return false
	}
	var items []string
	switch t.Scope {
	case model.ScopePackage:
		items = d.ApplicablePackageIDs
	case model.ScopeService:
		items = d.ApplicableServiceIDs
	}
	return len(items) == 0 || slices.Contains(items, t.ItemID)
}

func MeetsMinimum(d model.Discount, amount decimal.Decimal) bool {
	if !d.MinimumPurchase.Valid {
		return true
	}
	return amount.GreaterThanOrEqual(d.MinimumPurchase.Decimal)
}

// ResolveFinalPrice applies d to base when d is valid at now. A nil or invalid discount
// yields (0, base). The final price is never negative.
func ResolveFinalPrice(base decimal.Decimal, d *model.Discount, now time.Time) (decimal.Decimal, decimal.Decimal) {
	amount := decimal.Zero
	if d != nil && IsValid(*d, now) {
		amount = ApplyDiscount(base, *d)
	}
	return amount, clampFinal(base.Sub(amount))
}

func clampFinal(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// Check explains why d cannot be used by a client with pastUses prior usages on target.
// It returns nil when the discount applies.
func Check(d model.Discount, t Target, base decimal.Decimal, pastUses int, now time.Time) error {
	if capReached(d) {
		return ErrDiscountExhausted
	}
	if !IsValid(d, now) || !Applies(d, t) || !MeetsMinimum(d, base) {
		return ErrDiscountInvalid
	}
	if pastUses >= d.MaxUsesPerClient {
		return ErrClientLimitReached
	}
	return nil
}
