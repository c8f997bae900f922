// Package ledger owns package purchases: session consumption, expiry and derived status.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/clock"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/pricing"
)

var ErrPurchaseNotActive = errors.New("package purchase is not active")

type Repository interface {
	CreatePurchase(ctx context.Context, p model.PackagePurchase) error
	GetPurchase(ctx context.Context, id string) (model.PackagePurchase, error)
	// UpdatePurchase runs fn against the row under a lock and persists the result.
	UpdatePurchase(ctx context.Context, id string, fn func(*model.PackagePurchase) error) (model.PackagePurchase, error)
	// ListStalePurchases returns ACTIVE purchases whose sessions are exhausted or whose expiry is before today.
	ListStalePurchases(ctx context.Context, today time.Time) ([]model.PackagePurchase, error)
}

type Packages interface {
	GetPackage(ctx context.Context, id string) (model.Package, error)
}

type Pricer interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
	RecordUsage(ctx context.Context, q pricing.Quote, ref pricing.UsageRef) (model.DiscountUsage, error)
}

type Ledger struct {
	repo     Repository
	packages Packages
	pricer   Pricer
	clock    clock.Clock
	logger   *slog.Logger
}

func New(repo Repository, packages Packages, pricer Pricer, clk clock.Clock, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, packages: packages, pricer: pricer, clock: clk, logger: logger}
}

type PurchaseRequest struct {
	ClientID     string
	PackageID    string
	DiscountCode string
	PurchaseDate time.Time // defaults to today
	ExpiryDate   time.Time // defaults to purchase date + validity
	Notes        string
}

// Purchase snapshots the package price and session count, applies an optional discount and
// stores the purchase. The discount usage is recorded after the purchase is stored.
func (l *Ledger) Purchase(ctx context.Context, req PurchaseRequest) (model.PackagePurchase, error) {
	pkg, err := l.packages.GetPackage(ctx, req.PackageID)
	if err != nil {
		return model.PackagePurchase{}, fmt.Errorf("load package %s: %w", req.PackageID, err)
	}

	quote, err := l.pricer.Quote(ctx, pricing.QuoteRequest{
		Code:      req.DiscountCode,
		ClientID:  req.ClientID,
		BasePrice: pkg.Price,
		Target:    pricing.PackageTarget(pkg.ID),
	})
	if err != nil {
		return model.PackagePurchase{}, err
	}

	now := l.clock.Now()
	purchaseDate := req.PurchaseDate
	if purchaseDate.IsZero() {
		purchaseDate = now
	}
	purchaseDate = model.DateOf(purchaseDate)
	expiry := req.ExpiryDate
	if expiry.IsZero() {
		expiry = ExpiryFor(purchaseDate, pkg.ValidityDays)
	}

	p := model.PackagePurchase{
		ID:              model.NewID(),
		ClientID:        req.ClientID,
		PackageID:       pkg.ID,
		PurchaseDate:    purchaseDate,
		ExpiryDate:      model.DateOf(expiry),
		Status:          model.PurchaseActive,
		OriginalPrice:   quote.Original,
		DiscountApplied: quote.DiscountAmount,
		FinalPrice:      quote.Final,
		TotalSessions:   pkg.TotalSessions,
		Notes:           req.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if quote.Discount != nil {
		p.DiscountID = quote.Discount.ID
		p.TotalSessions += pricing.BonusSessions(*quote.Discount)
	}
	p = ReevaluateStatus(p, now)

	if err := l.repo.CreatePurchase(ctx, p); err != nil {
		return model.PackagePurchase{}, fmt.Errorf("create purchase: %w", err)
	}

	if _, err := l.pricer.RecordUsage(ctx, quote, pricing.UsageRef{ClientID: p.ClientID, PackagePurchaseID: p.ID}); err != nil {
		// The purchase is committed; a usage lost to a concurrent booking is reported, not undone.
		l.logger.Warn("discount usage not recorded", "purchase_id", p.ID, "discount_id", p.DiscountID, "err", err)
	}
	return p, nil
}

// ConsumeSession draws one session for appointmentID. An appointment that already drew a
// session draws nothing more, and at the cap the purchase is left unchanged.
func (l *Ledger) ConsumeSession(ctx context.Context, purchaseID, appointmentID string) (model.PackagePurchase, error) {
	now := l.clock.Now()
	consumed, repeat := false, false
	p, err := l.repo.UpdatePurchase(ctx, purchaseID, func(p *model.PackagePurchase) error {
		if appointmentID != "" && slices.Contains(p.ConsumedBy, appointmentID) {
			repeat = true
			return nil
		}
		consumed = consume(p, now)
		if consumed {
			if appointmentID != "" {
				p.ConsumedBy = append(slices.Clip(p.ConsumedBy), appointmentID)
			}
			p.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return model.PackagePurchase{}, fmt.Errorf("consume session on %s: %w", purchaseID, err)
	}
	switch {
	case repeat:
		l.logger.Info("session already drawn", "purchase_id", purchaseID, "appointment_id", appointmentID)
	case !consumed:
		l.logger.Info("session cap already reached", "purchase_id", purchaseID, "sessions_used", p.SessionsUsed)
	}
	return p, nil
}

func (l *Ledger) Get(ctx context.Context, purchaseID string) (model.PackagePurchase, error) {
	return l.repo.GetPurchase(ctx, purchaseID)
}

func (l *Ledger) CanBookSession(ctx context.Context, purchaseID string) (bool, error) {
	p, err := l.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return false, err
	}
	return CanBookSession(p, l.clock.Now()), nil
}

// Reevaluate recomputes and persists the derived status of one purchase.
func (l *Ledger) Reevaluate(ctx context.Context, purchaseID string) (model.PackagePurchase, error) {
	now := l.clock.Now()
	return l.repo.UpdatePurchase(ctx, purchaseID, func(p *model.PackagePurchase) error {
		before := p.Status
		*p = ReevaluateStatus(*p, now)
		if p.Status != before {
			p.UpdatedAt = now
		}
		return nil
	})
}

// ReevaluateAll is the periodic sweep that moves exhausted and lapsed purchases out of ACTIVE.
// It returns how many purchases changed status.
func (l *Ledger) ReevaluateAll(ctx context.Context) (int, error) {
	now := l.clock.Now()
	stale, err := l.repo.ListStalePurchases(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list stale purchases: %w", err)
	}
	changed := 0
	for _, p := range stale {
		updated, err := l.Reevaluate(ctx, p.ID)
		if err != nil {
			return changed, err
		}
		if updated.Status != p.Status {
			changed++
		}
	}
	return changed, nil
}

// Cancel moves an ACTIVE purchase to CANCELLED.
func (l *Ledger) Cancel(ctx context.Context, purchaseID, notes string) (model.PackagePurchase, error) {
	now := l.clock.Now()
	return l.repo.UpdatePurchase(ctx, purchaseID, func(p *model.PackagePurchase) error {
		if p.Status != model.PurchaseActive {
			return fmt.Errorf("%w: status is %s", ErrPurchaseNotActive, p.Status)
		}
		p.Status = model.PurchaseCancelled
		if notes != "" {
			p.Notes = notes
		}
		p.UpdatedAt = now
		return nil
	})
}
