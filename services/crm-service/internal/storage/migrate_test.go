package storage

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/KAMASDM/cryocrm/services/crm-service/internal/storage/migrations"
)

func TestUpMigration(t *testing.T) {
	got := UpMigration("-- +migrate Up\nCREATE TABLE a();\n-- +migrate Down\nDROP TABLE a;\n")
	if strings.TrimSpace(got) != "CREATE TABLE a();" {
		t.Fatalf("unexpected up section %q", got)
	}
	if UpMigration("SELECT 1") != "SELECT 1" {
		t.Fatal("expected content without markers to be returned whole")
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	data, err := fs.ReadFile(migrations.FS, "0001_init.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	up := UpMigration(string(data))
	for _, table := range []string{"appointments", "appointment_history", "package_purchases", "discount_usages", "scheduled_emails", "email_logs", "outbox_events", "inbox_events"} {
		if !strings.Contains(up, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("expected table %s in up migration", table)
		}
	}
	if strings.Contains(up, "DROP TABLE") {
		t.Fatal("expected down statements to be excluded")
	}
}
