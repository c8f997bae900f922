package memstore

import (
	"cmp"
	"context"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
)

func (s *Store) GetTemplate(_ context.Context, id string) (model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.templates, id)
}

func (s *Store) ListActiveTemplates(_ context.Context, typ model.TemplateType) ([]model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Template
	for _, t := range s.templates {
		if t.Type == typ && t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) CreateScheduledEmail(_ context.Context, e model.ScheduledEmail) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.OccasionKey != "" {
		if _, ok := s.occasions[e.OccasionKey]; ok {
			return false, nil
		}
		s.occasions[e.OccasionKey] = e.ID
	}
	s.scheduled[e.ID] = e
	return true, nil
}

func (s *Store) GetScheduledEmail(_ context.Context, id string) (model.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.scheduled, id)
}

func (s *Store) UpdateScheduledEmail(_ context.Context, id string, fn func(*model.ScheduledEmail) error) (model.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.scheduled, id, fn)
}

func (s *Store) ClaimDueEmails(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.ScheduledEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := sortedValues(s.scheduled, func(a, b model.ScheduledEmail) int {
		return cmp.Or(a.ScheduledFor.Compare(b.ScheduledFor), cmp.Compare(a.ID, b.ID))
	})
	until := now.Add(lease)
	var out []model.ScheduledEmail
	for _, e := range due {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.Status != model.EmailPending || e.ScheduledFor.After(now) {
			continue
		}
		if e.ClaimedUntil != nil && e.ClaimedUntil.After(now) {
			continue
		}
		e.ClaimedUntil = &until
		s.scheduled[e.ID] = e
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) CompleteScheduledEmail(_ context.Context, e model.ScheduledEmail, log model.EmailLog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.scheduled[e.ID]
	if !ok {
		return false, model.ErrNotFound
	}
	if err := s.emit(outbox.EmailAttempted(log)); err != nil {
		return false, err
	}
	s.appendLog(log)
	if current.Status != model.EmailPending {
		return false, nil
	}
	s.scheduled[e.ID] = e
	return true, nil
}

func (s *Store) appendLog(l model.EmailLog) {
	s.logs[l.ID] = l
	s.logOrder = append(s.logOrder, l.ID)
}

func (s *Store) GetCampaign(_ context.Context, id string) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.campaigns, id)
}

func (s *Store) UpdateCampaign(_ context.Context, id string, fn func(*model.Campaign) error) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.campaigns, id, fn)
}

func (s *Store) ListDueCampaigns(_ context.Context, now time.Time) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Campaign
	for _, c := range sortedValues(s.campaigns, func(a, b model.Campaign) int { return cmp.Compare(a.ID, b.ID) }) {
		if c.Status == model.CampaignScheduled && c.ScheduledFor != nil && !c.ScheduledFor.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) RecordCampaignAttempt(_ context.Context, campaignID string, log model.EmailLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := update(s.campaigns, campaignID, func(c *model.Campaign) error {
		if err := s.emit(outbox.EmailAttempted(log)); err != nil {
			return err
		}
		if log.SentSuccessfully {
			c.EmailsSent++
		} else {
			c.EmailsFailed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.appendLog(log)
	return nil
}

// RecordEngagement stamps an open or click on an email log once and bumps the owning
// campaign's counter. It reports whether this was the first such event.
func (s *Store) RecordEngagement(_ context.Context, logID string, kind model.EngagementKind, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logID]
	if !ok {
		return false, model.ErrNotFound
	}
	field := &l.OpenedAt
	if kind == model.EngagementClicked {
		field = &l.ClickedAt
	}
	if *field != nil {
		return false, nil
	}
	*field = &at
	s.logs[logID] = l

	if l.CampaignID != "" {
		if c, ok := s.campaigns[l.CampaignID]; ok {
			if kind == model.EngagementClicked {
				c.LinksClicked++
			} else {
				c.EmailsOpened++
			}
			s.campaigns[c.ID] = c
		}
	}
	if kind == model.EngagementOpened && l.ScheduledEmailID != "" {
		if e, ok := s.scheduled[l.ScheduledEmailID]; ok && e.OpenedAt == nil {
			e.OpenedAt = &at
			s.scheduled[e.ID] = e
		}
	}
	return true, nil
}

func (s *Store) Record(_ context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbox[eventID]; ok {
		return false, nil
	}
	s.inbox[eventID] = eventType
	return true, nil
}
