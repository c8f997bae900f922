package memstore

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

func (s *Store) GetClient(_ context.Context, id string) (model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.clients, id)
}

func (s *Store) GetService(_ context.Context, id string) (model.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.services, id)
}

func (s *Store) GetPackage(_ context.Context, id string) (model.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.packages, id)
}

func (s *Store) TouchLastVisit(_ context.Context, clientID string, date time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := update(s.clients, clientID, func(c *model.Client) error {
		d := model.DateOf(date)
		if c.LastVisitDate == nil || d.After(*c.LastVisitDate) {
			c.LastVisitDate = &d
		}
		return nil
	})
	return err
}

func (s *Store) ListBirthdayClients(_ context.Context, month time.Month, day int) ([]model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Client
	for _, c := range s.clients {
		if !c.Active || !c.MarketingEmails || c.DateOfBirth == nil {
			continue
		}
		if c.DateOfBirth.Month() == month && c.DateOfBirth.Day() == day {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b model.Client) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) ListCampaignRecipients(_ context.Context, f model.RecipientFilter) ([]model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Client
	for _, c := range s.clients {
		if !f.SendToAll && !slices.Contains(f.ClientIDs, c.ID) {
			continue
		}
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b model.Client) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
