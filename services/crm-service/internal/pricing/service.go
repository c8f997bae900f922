package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/clock"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/shopspring/decimal"
)

type Repository interface {
	GetDiscountByCode(ctx context.Context, code string) (model.Discount, error)
	CountDiscountUsages(ctx context.Context, discountID, clientID string) (int, error)
	// RecordDiscountUsage locks the discount row, runs check against the locked state and the
	// client's usage count, then increments current_uses and stores usage in one transaction.
	RecordDiscountUsage(ctx context.Context, usage model.DiscountUsage, check func(d model.Discount, clientUses int) error) (model.Discount, error)
}

type Service struct {
	repo   Repository
	clock  clock.Clock
	logger *slog.Logger
}

func NewService(repo Repository, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, clock: clk, logger: logger}
}

type QuoteRequest struct {
	Code      string
	ClientID  string
	BasePrice decimal.Decimal
	Target    Target
}

// Quote is a priced offer. Discount is nil when no discount applies; Rejected then says why.
type Quote struct {
	Discount       *model.Discount
	Original       decimal.Decimal
	DiscountAmount decimal.Decimal
	Final          decimal.Decimal
	Rejected       error
}

// Quote prices req. A code that cannot be used falls back to the full price with Rejected set;
// only storage failures are returned as errors.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	q := Quote{Original: req.BasePrice, DiscountAmount: decimal.Zero, Final: clampFinal(req.BasePrice)}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return q, nil
	}

	d, err := s.repo.GetDiscountByCode(ctx, code)
	if errors.Is(err, model.ErrNotFound) {
		q.Rejected = fmt.Errorf("%w: unknown code %q", ErrDiscountInvalid, code)
		return q, nil
	}
	if err != nil {
		return Quote{}, fmt.Errorf("load discount %q: %w", code, err)
	}

	uses := 0
	if req.ClientID != "" {
		uses, err = s.repo.CountDiscountUsages(ctx, d.ID, req.ClientID)
		if err != nil {
			return Quote{}, fmt.Errorf("count discount usages: %w", err)
		}
	}
	if err := Check(d, req.Target, req.BasePrice, uses, s.clock.Now()); err != nil {
		q.Rejected = err
		s.logger.Info("discount not applied", "code", code, "client_id", req.ClientID, "reason", err.Error())
		return q, nil
	}

	amount, final := ResolveFinalPrice(req.BasePrice, &d, s.clock.Now())
	q.Discount = &d
	q.DiscountAmount = amount
	q.Final = final
	return q, nil
}

// UsageRef names the committed record a discount was applied to.
type UsageRef struct {
	ClientID          string
	PackagePurchaseID string
	AppointmentID     string
}

// RecordUsage increments the discount's use counter and stores a DiscountUsage for q.
// It is a no-op for quotes without a discount. The caps are re-checked under the row lock,
// so a usage lost to a concurrent booking fails with ErrDiscountExhausted or ErrClientLimitReached.
func (s *Service) RecordUsage(ctx context.Context, q Quote, ref UsageRef) (model.DiscountUsage, error) {
	if q.Discount == nil {
		return model.DiscountUsage{}, nil
	}
	usage := model.DiscountUsage{
		ID:                model.NewID(),
		DiscountID:        q.Discount.ID,
		ClientID:          ref.ClientID,
		PackagePurchaseID: ref.PackagePurchaseID,
		AppointmentID:     ref.AppointmentID,
		OriginalPrice:     q.Original,
		DiscountAmount:    q.DiscountAmount,
		FinalPrice:        q.Final,
		UsedAt:            s.clock.Now(),
	}
	_, err := s.repo.RecordDiscountUsage(ctx, usage, func(d model.Discount, clientUses int) error {
		if capReached(d) {
			return ErrDiscountExhausted
		}
		if clientUses >= d.MaxUsesPerClient {
			return ErrClientLimitReached
		}
		return nil
	})
	if err != nil {
		return model.DiscountUsage{}, fmt.Errorf("record usage of discount %s: %w", q.Discount.Code, err)
	}
	return usage, nil
}
