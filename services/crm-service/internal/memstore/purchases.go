package memstore

import (
	"context"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

func (s *Store) CreatePurchase(_ context.Context, p model.PackagePurchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[p.ID]; ok {
		return model.ErrConflict
	}
	s.purchases[p.ID] = p
	return nil
}

func (s *Store) GetPurchase(_ context.Context, id string) (model.PackagePurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.purchases, id)
}

func (s *Store) UpdatePurchase(_ context.Context, id string, fn func(*model.PackagePurchase) error) (model.PackagePurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.purchases, id, fn)
}

func (s *Store) ListStalePurchases(_ context.Context, today time.Time) ([]model.PackagePurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PackagePurchase
	for _, p := range s.purchases {
		if p.Status != model.PurchaseActive {
			continue
		}
		if p.TotalSessions-p.SessionsUsed <= 0 || model.DateAfter(today, p.ExpiryDate) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) ListExpiringPurchases(_ context.Context, date time.Time) ([]model.PackagePurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PackagePurchase
	for _, p := range s.purchases {
		if p.Status == model.PurchaseActive && p.ExpiryWarningQueuedAt == nil && model.SameDate(p.ExpiryDate, date) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) MarkExpiryWarningQueued(_ context.Context, purchaseID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := update(s.purchases, purchaseID, func(p *model.PackagePurchase) error {
		if p.ExpiryWarningQueuedAt == nil {
			p.ExpiryWarningQueuedAt = &at
		}
		return nil
	})
	return err
}
