package outbox

import (
	"encoding/json"
	"time"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
)

const (
	TypeAppointmentStatusChanged = "crm.appointment.status_changed.v1"
	TypeEmailSent                = "crm.email.sent.v1"
	TypeEmailFailed              = "crm.email.failed.v1"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (one topic per event type).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

func AppointmentStatusChanged(h model.AppointmentHistory) (Event, error) {
	payload, err := json.Marshal(map[string]any{
		"history_id":      h.ID,
		"appointment_id":  h.AppointmentID,
		"previous_status": h.PreviousStatus,
		"new_status":      h.NewStatus,
		"changed_by":      h.ChangedBy,
		"notes":           h.Notes,
		"changed_at":      h.ChangedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: "appointment",
		AggregateID:   h.AppointmentID,
		EventType:     TypeAppointmentStatusChanged,
		Payload:       payload,
	}, nil
}

// EmailAttempted describes one send attempt. Tracking systems key opens and clicks on email_log_id.
func EmailAttempted(l model.EmailLog) (Event, error) {
	eventType := TypeEmailSent
	if !l.SentSuccessfully {
		eventType = TypeEmailFailed
	}
	payload, err := json.Marshal(map[string]any{
		"email_log_id":       l.ID,
		"client_id":          l.ClientID,
		"sent_to":            l.SentTo,
		"subject":            l.Subject,
		"email_type":         l.EmailType,
		"campaign_id":        l.CampaignID,
		"scheduled_email_id": l.ScheduledEmailID,
		"error":              l.ErrorMessage,
		"sent_at":            l.SentAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Event{}, err
	}
	aggregate := "scheduled_email"
	id := l.ScheduledEmailID
	if l.CampaignID != "" {
		aggregate = "campaign"
		id = l.CampaignID
	}
	return Event{
		AggregateType: aggregate,
		AggregateID:   id,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
