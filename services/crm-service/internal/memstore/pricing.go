package memstore

import (
	"context"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

func (s *Store) GetDiscountByCode(_ context.Context, code string) (model.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.discounts {
		if d.Code == code {
			return d, nil
		}
	}
	return model.Discount{}, model.ErrNotFound
}

func (s *Store) CountDiscountUsages(_ context.Context, discountID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countUsages(discountID, clientID), nil
}

func (s *Store) countUsages(discountID, clientID string) int {
	n := 0
	for _, u := range s.usages {
		if u.DiscountID == discountID && u.ClientID == clientID {
			n++
		}
	}
	return n
}

func (s *Store) RecordDiscountUsage(_ context.Context, usage model.DiscountUsage, check func(d model.Discount, clientUses int) error) (model.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.discounts, usage.DiscountID, func(d *model.Discount) error {
		if err := check(*d, s.countUsages(d.ID, usage.ClientID)); err != nil {
			return err
		}
		d.CurrentUses++
		s.usages = append(s.usages, usage)
		return nil
	})
}
