// Package tracking applies email open and click events reported by the delivery edge.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KAMASDM/cryocrm/libs/kafkax"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/segmentio/kafka-go"
)

const (
	TypeEmailOpened  = "crm.email.opened.v1"
	TypeEmailClicked = "crm.email.clicked.v1"
)

func Topics() []string { return []string{TypeEmailOpened, TypeEmailClicked} }

type Store interface {
	RecordEngagement(ctx context.Context, logID string, kind model.EngagementKind, at time.Time) (bool, error)
}

type engagementPayload struct {
	EmailLogID string    `json:"email_log_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

var ErrMalformedEvent = errors.New("malformed engagement event")

// NewHandler applies opened/clicked events. Unknown event types are ignored; events for
// unknown email logs are logged and dropped.
func NewHandler(store Store, logger *slog.Logger, now func() time.Time) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		meta := kafkax.ExtractEventMeta(msg)
		var kind model.EngagementKind
		switch meta.EventType {
		case TypeEmailOpened:
			kind = model.EngagementOpened
		case TypeEmailClicked:
			kind = model.EngagementClicked
		default:
			return nil
		}

		var p engagementPayload
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if strings.TrimSpace(p.EmailLogID) == "" {
			return fmt.Errorf("%w: email_log_id is required", ErrMalformedEvent)
		}
		at := p.OccurredAt
		if at.IsZero() {
			at = now()
		}

		first, err := store.RecordEngagement(ctx, p.EmailLogID, kind, at)
		if errors.Is(err, model.ErrNotFound) {
			logger.Warn("engagement for unknown email log", "email_log_id", p.EmailLogID, "kind", kind)
			return nil
		}
		if err != nil {
			return err
		}
		if first {
			logger.Debug("engagement recorded", "email_log_id", p.EmailLogID, "kind", kind)
		}
		return nil
	}
}
