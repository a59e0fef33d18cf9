package config

import (
	"testing"
	"time"
)

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("PGDRIFT_POSTGRES_DSN", "postgres://localhost/app")
	t.Setenv("PGDRIFT_POLL_TABLES", "orders, customers ,invoices")
	t.Setenv("PGDRIFT_OUTBOX_INTERVAL", "250ms")
	t.Setenv("PGDRIFT_REPLICATION_MAX_ERRORS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Poller.Tables) != 3 || cfg.Poller.Tables[1] != "customers" {
		t.Fatalf("csv tables not parsed: %v", cfg.Poller.Tables)
	}
	if cfg.Outbox.Interval != 250*time.Millisecond {
		t.Fatalf("duration override not applied: %v", cfg.Outbox.Interval)
	}
	if cfg.Replication.MaxConsecutiveErrors != 3 {
		t.Fatalf("int override not applied: %d", cfg.Replication.MaxConsecutiveErrors)
	}
	if cfg.Outbox.Schema != "pgdrift" || cfg.Outbox.Table != "outbox_events" {
		t.Fatalf("outbox defaults wrong: %s.%s", cfg.Outbox.Schema, cfg.Outbox.Table)
	}
}

func TestLoad_MissingDSNFails(t *testing.T) {
	t.Setenv("PGDRIFT_POSTGRES_DSN", "")
	if _, err := Load(); err == nil {
		t.Fatal("missing dsn must be a fatal configuration error")
	}
}

func TestValidate_NATSRequiresURL(t *testing.T) {
	t.Setenv("PGDRIFT_POSTGRES_DSN", "postgres://localhost/app")
	t.Setenv("PGDRIFT_NATS_ENABLED", "true")
	t.Setenv("PGDRIFT_NATS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("nats enabled without url must fail validation")
	}
}

func TestGetenvBool_UnparsableFallsBack(t *testing.T) {
	t.Setenv("PGDRIFT_TEST_FLAG", "maybe")
	if getenvBool("PGDRIFT_TEST_FLAG", true) != true {
		t.Fatal("unparsable value must fall back")
	}
	t.Setenv("PGDRIFT_TEST_FLAG", "no")
	if getenvBool("PGDRIFT_TEST_FLAG", true) != false {
		t.Fatal("explicit no not honored")
	}
}
