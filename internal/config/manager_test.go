package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validYAML = `telegram:
  token: "123:abc"
  admin_user_ids: [500, 501]
  group_log: -100200
  poll_timeout: "10s"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: true
    min_level: warn
    rate_per_sec: 1
catalog:
  path: shops.yaml
storage:
  driver: sqlite
  path: users.db
  busy_timeout: "5s"
relay:
  send_timeout: "8s"
broadcast:
  workers: 2
  rate_per_sec: 20
  send_timeout: "6s"
maintenance:
  spec: "0 4 * * *"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Telegram.AdminUserIDs[0] != 500 {
		t.Errorf("admins = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Telegram.GroupLog != -100200 {
		t.Errorf("group_log = %d", cfg.Telegram.GroupLog)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "users.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Relay == nil || cfg.Relay.SendTimeout != "8s" {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Broadcast == nil || cfg.Broadcast.Workers != 2 || cfg.Broadcast.RatePerSec != 20 {
		t.Errorf("broadcast = %+v", cfg.Broadcast)
	}
	if cfg.Maintenance == nil || cfg.Maintenance.Spec != "0 4 * * *" {
		t.Errorf("maintenance = %+v", cfg.Maintenance)
	}

	if got := m.Get(); got != cfg {
		t.Error("Get() should return the committed snapshot")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"telegram":{"token":"t"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""},"telegram":{"enabled":false,"min_level":"","rate_per_sec":0}},"catalog":{"path":"p"},"storage":{"path":"u"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Catalog.Path != "p" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"unexpected_key: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestParseRejectsUnknownNestedField(t *testing.T) {
	t.Parallel()
	bad := `telegram:
  token: "t"
  typo_field: true
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    min_level: ""
    rate_per_sec: 0
catalog:
  path: p
storage:
  path: u
`
	m := NewManager(writeConfig(t, "config.yaml", bad))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown nested field")
	}
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))

	ch := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)

	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after Unsubscribe")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))

	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)

	if got := <-ch; got != second {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(ch)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("relay.send_timeout", "8s")
	if err != nil || d != 8*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("relay.send_timeout", "soon"); err == nil {
		t.Fatal("expected error for bad duration")
	}
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "1m", 3*time.Second); err != nil || d != time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
}
