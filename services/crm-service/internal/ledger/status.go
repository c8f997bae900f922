package ledger

import (
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

// ExpiryFor returns purchase date plus the package validity, as a date.
func ExpiryFor(purchaseDate time.Time, validityDays int) time.Time {
	return model.DateOf(purchaseDate).AddDate(0, 0, validityDays)
}

// ReevaluateStatus recomputes SessionsRemaining and the derived status.
// Exhausted sessions win over expiry. CANCELLED is never changed here.
func ReevaluateStatus(p model.PackagePurchase, now time.Time) model.PackagePurchase {
	p.SessionsRemaining = p.TotalSessions - p.SessionsUsed
	if p.SessionsRemaining < 0 {
		p.SessionsRemaining = 0
	}
	if p.Status == model.PurchaseCancelled {
		return p
	}
	switch {
	case p.SessionsRemaining <= 0:
		p.Status = model.PurchaseCompleted
	case model.DateAfter(now, p.ExpiryDate):
		p.Status = model.PurchaseExpired
	}
	return p
}

func CanBookSession(p model.PackagePurchase, now time.Time) bool {
	return p.Status == model.PurchaseActive &&
		p.TotalSessions-p.SessionsUsed > 0 &&
		!model.DateAfter(now, p.ExpiryDate)
}

// UsagePercentage is the share of sessions used, 0..100.
func UsagePercentage(p model.PackagePurchase) float64 {
	if p.TotalSessions <= 0 {
		return 0
	}
	return float64(p.SessionsUsed) / float64(p.TotalSessions) * 100
}

// consume increments SessionsUsed when below the cap and reports whether it did.
func consume(p *model.PackagePurchase, now time.Time) bool {
	if p.SessionsUsed >= p.TotalSessions {
		return false
	}
	p.SessionsUsed++
	*p = ReevaluateStatus(*p, now)
	return true
}
