package main

import (
	"testing"
	"time"
)

func TestLoadConfig_MemoryDefaults(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("CRON_PENDING", "*/5 * * * *")
	t.Setenv("PENDING_LEASE", "90s")
	t.Setenv("TRACKING_TOPIC", "a, b,,")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8090" || cfg.Store != "memory" || cfg.DatabaseURL != "" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Schedules.Pending != "*/5 * * * *" || cfg.Schedules.Reminders != "0 9 * * *" {
		t.Fatalf("unexpected schedules %+v", cfg.Schedules)
	}
	if cfg.Dispatch.PendingLease != 90*time.Second || cfg.Dispatch.ExpiryWarningDays != 7 {
		t.Fatalf("unexpected dispatch config %+v", cfg.Dispatch)
	}
	if len(cfg.TrackingTopics) != 2 || cfg.TrackingTopics[1] != "b" {
		t.Fatalf("unexpected topics %v", cfg.TrackingTopics)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected DATABASE_URL to be required for postgres")
	}
	t.Setenv("STORE", "sqlite")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected unknown store to be rejected")
	}
	t.Setenv("STORE", "memory")
	t.Setenv("TIMEZONE", "Mars/Olympus")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected bad timezone to be rejected")
	}
}
