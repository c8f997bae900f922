package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/KAMASDM/cryocrm/libs/kafkax"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/memstore"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/segmentio/kafka-go"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func engagementMsg(eventID, eventType, body string) kafka.Message {
	return kafka.Message{
		Topic:   eventType,
		Value:   []byte(body),
		Headers: kafkax.EventMeta{EventID: eventID, EventType: eventType}.Headers(),
	}
}

func seededStore(t *testing.T) *memstore.Store {
	t.Helper()
	store := memstore.New()
	ctx := context.Background()
	if err := store.CreateCampaign(ctx, model.Campaign{ID: "c1", Status: model.CampaignSending}); err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if err := store.RecordCampaignAttempt(ctx, "c1", model.EmailLog{ID: "log-1", CampaignID: "c1", SentSuccessfully: true}); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	return store
}

func TestHandler_OpenCountedOnce(t *testing.T) {
	store := seededStore(t)
	h := NewHandler(store, quiet, time.Now)
	ctx := context.Background()

	body := `{"email_log_id":"log-1","occurred_at":"2024-01-10T09:00:00Z"}`
	for i := 0; i < 2; i++ {
		if err := h(ctx, engagementMsg("e1", TypeEmailOpened, body)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	c, _ := store.GetCampaign(ctx, "c1")
	if c.EmailsOpened != 1 {
		t.Fatalf("expected 1 open, got %d", c.EmailsOpened)
	}
	logs := store.EmailLogs()
	if logs[0].OpenedAt == nil || !logs[0].OpenedAt.Equal(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected opened_at %v", logs[0].OpenedAt)
	}
}

func TestHandler_Click(t *testing.T) {
	store := seededStore(t)
	h := NewHandler(store, quiet, time.Now)
	if err := h(context.Background(), engagementMsg("e2", TypeEmailClicked, `{"email_log_id":"log-1"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	c, _ := store.GetCampaign(context.Background(), "c1")
	if c.LinksClicked != 1 || c.EmailsOpened != 0 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestHandler_Malformed(t *testing.T) {
	h := NewHandler(seededStore(t), quiet, time.Now)
	if err := h(context.Background(), engagementMsg("e3", TypeEmailOpened, `{}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestHandler_UnknownLogDropped(t *testing.T) {
	h := NewHandler(seededStore(t), quiet, time.Now)
	if err := h(context.Background(), engagementMsg("e4", TypeEmailOpened, `{"email_log_id":"nope"}`)); err != nil {
		t.Fatalf("expected unknown log to be dropped, got %v", err)
	}
}

func TestConsumer_DropsDuplicateEvents(t *testing.T) {
	store := seededStore(t)
	calls := 0
	c := &Consumer{logger: quiet, inbox: store, handler: func(context.Context, kafka.Message) error {
		calls++
		return nil
	}}
	msg := engagementMsg("dup", TypeEmailOpened, `{"email_log_id":"log-1"}`)
	c.consume(context.Background(), msg)
	c.consume(context.Background(), msg)
	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
}
