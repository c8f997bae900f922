// Package memstore is an in-memory implementation of every repository the CRM core uses.
// It backs the service when STORE=memory and the package tests.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
)

type Store struct {
	mu sync.Mutex

	clients   map[string]model.Client
	services  map[string]model.Service
	packages  map[string]model.Package
	discounts map[string]model.Discount
	usages    []model.DiscountUsage

	appointments map[string]model.Appointment
	history      []model.AppointmentHistory
	purchases    map[string]model.PackagePurchase

	templates map[string]model.Template
	scheduled map[string]model.ScheduledEmail
	occasions map[string]string
	campaigns map[string]model.Campaign
	logs      map[string]model.EmailLog
	logOrder  []string

	events []outbox.Event
	inbox  map[string]string
}

func New() *Store {
	return &Store{
		clients:      map[string]model.Client{},
		services:     map[string]model.Service{},
		packages:     map[string]model.Package{},
		discounts:    map[string]model.Discount{},
		appointments: map[string]model.Appointment{},
		purchases:    map[string]model.PackagePurchase{},
		templates:    map[string]model.Template{},
		scheduled:    map[string]model.ScheduledEmail{},
		occasions:    map[string]string{},
		campaigns:    map[string]model.Campaign{},
		logs:         map[string]model.EmailLog{},
		inbox:        map[string]string{},
	}
}

// Ping satisfies readiness checks.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) PutClient(c model.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

func (s *Store) PutService(v model.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[v.ID] = v
}

func (s *Store) PutPackage(p model.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[p.ID] = p
}

func (s *Store) PutDiscount(d model.Discount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discounts[d.ID] = d
}

func (s *Store) PutAppointment(a model.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[a.ID] = a
}

func (s *Store) PutPurchase(p model.PackagePurchase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchases[p.ID] = p
}

func (s *Store) UpsertTemplate(_ context.Context, t model.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}

func (s *Store) CreateCampaign(_ context.Context, c model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return model.ErrConflict
	}
	s.campaigns[c.ID] = c
	return nil
}

// Events returns the domain events written so far, oldest first.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Store) EmailLogs() []model.EmailLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EmailLog, 0, len(s.logOrder))
	for _, id := range s.logOrder {
		out = append(out, s.logs[id])
	}
	return out
}

func (s *Store) ScheduledEmails() []model.ScheduledEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.scheduled, func(a, b model.ScheduledEmail) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}

func (s *Store) DiscountUsages() []model.DiscountUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.usages)
}

// emit must be called with mu held.
func (s *Store) emit(evt outbox.Event, err error) error {
	if err != nil {
		return err
	}
	s.events = append(s.events, evt)
	return nil
}

func get[T any](m map[string]T, id string) (T, error) {
	v, ok := m[id]
	if !ok {
		var zero T
		return zero, model.ErrNotFound
	}
	return v, nil
}

// update applies fn to a copy of m[id] and stores it only when fn succeeds.
func update[T any](m map[string]T, id string, fn func(*T) error) (T, error) {
	v, ok := m[id]
	if !ok {
		var zero T
		return zero, model.ErrNotFound
	}
	if err := fn(&v); err != nil {
		var zero T
		return zero, err
	}
	m[id] = v
	return v, nil
}

func sortedValues[T any](m map[string]T, less func(a, b T) int) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, less)
	return out
}
