package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KAMASDM/cryocrm/libs/config"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/appointments"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/dispatch"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/jobs"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/ledger"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/pricing"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/templates"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/tracking"
)

// crmStore is satisfied by both storage.Store and memstore.Store.
type crmStore interface {
	appointments.Repository
	appointments.Directory
	ledger.Repository
	ledger.Packages
	pricing.Repository
	templates.Repository
	dispatch.Store
	tracking.Store
	UpsertTemplate(ctx context.Context, t model.Template) error
	Ping(ctx context.Context) error
}

type serviceConfig struct {
	Service  string
	Port     string
	LogLevel string
	Location *time.Location

	Store       string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers   string
	KafkaGroupID   string
	TrackingTopics []string

	SMTPHost string
	SMTPPort string
	SMTPFrom string

	TemplatesFile string
	Dispatch      dispatch.Config
	Schedules     jobs.Schedules
	JobLockTTL    time.Duration

	OutboxRetention     time.Duration
	OutboxPurgeSchedule string
}

func loadConfig() (serviceConfig, error) {
	cfg := serviceConfig{
		Service:       config.String("SERVICE_NAME", "crm-service"),
		LogLevel:      config.String("LOG_LEVEL", "info"),
		Store:         strings.ToLower(config.String("STORE", "postgres")),
		RedisAddr:     config.String("REDIS_ADDR", ""),
		RedisPassword: config.String("REDIS_PASSWORD", ""),
		RedisDB:       config.Int("REDIS_DB", 0),
		KafkaBrokers:  config.String("KAFKA_BROKERS", ""),
		KafkaGroupID:  config.String("KAFKA_GROUP_ID", "crm-service"),
		SMTPHost:      config.String("SMTP_HOST", ""),
		SMTPFrom:      config.String("SMTP_FROM", "no-reply@cryocrm.local"),
		TemplatesFile: config.String("TEMPLATES_FILE", ""),
		JobLockTTL:    config.Duration("JOB_LOCK_TTL", 10*time.Minute),

		OutboxRetention:     config.Duration("OUTBOX_RETENTION", 7*24*time.Hour),
		OutboxPurgeSchedule: config.String("CRON_OUTBOX_PURGE", "15 3 * * *"),
	}

	var err error
	if cfg.Port, err = config.Port("PORT", "8090"); err != nil {
		return cfg, err
	}
	if cfg.SMTPPort, err = config.Port("SMTP_PORT", "25"); err != nil {
		return cfg, err
	}
	tz := config.String("TIMEZONE", "UTC")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return cfg, fmt.Errorf("TIMEZONE: %w", err)
	}

	switch cfg.Store {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("STORE must be postgres or memory (got %q)", cfg.Store)
	}

	cfg.TrackingTopics = splitTopics(config.String("TRACKING_TOPIC", strings.Join(tracking.Topics(), ",")))

	d := dispatch.DefaultConfig()
	d.ReminderLeadDays = config.Int("REMINDER_LEAD_DAYS", d.ReminderLeadDays)
	d.ExpiryWarningDays = config.Int("EXPIRY_WARNING_DAYS", d.ExpiryWarningDays)
	d.PendingBatchSize = config.Int("PENDING_BATCH_SIZE", d.PendingBatchSize)
	d.PendingLease = config.Duration("PENDING_LEASE", d.PendingLease)
	d.SendConcurrency = config.Int("SEND_CONCURRENCY", d.SendConcurrency)
	cfg.Dispatch = d

	s := jobs.DefaultSchedules()
	s.Reminders = config.String("CRON_REMINDERS", s.Reminders)
	s.Expiry = config.String("CRON_EXPIRY", s.Expiry)
	s.Birthdays = config.String("CRON_BIRTHDAYS", s.Birthdays)
	s.Pending = config.String("CRON_PENDING", s.Pending)
	s.Campaigns = config.String("CRON_CAMPAIGNS", s.Campaigns)
	s.Reevaluate = config.String("CRON_REEVALUATE", s.Reevaluate)
	cfg.Schedules = s
	return cfg, nil
}
