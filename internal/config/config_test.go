package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.SchedulerWorkers != 16 {
		t.Fatalf("expected 16 workers got %d", cfg.SchedulerWorkers)
	}
	if cfg.SchedulerPollInterval != 5*time.Second {
		t.Fatalf("expected 5s poll interval got %s", cfg.SchedulerPollInterval)
	}
	if cfg.SchedulerExecutionTimeout != 0 {
		t.Fatalf("expected execution timeout disabled by default")
	}
	if cfg.OTELSampleRatio != 0.1 {
		t.Fatalf("expected 0.1 sample ratio got %v", cfg.OTELSampleRatio)
	}
}

func TestSampleRatioFromEnv(t *testing.T) {
	t.Setenv("OTEL_SAMPLE_RATIO", "0.5")
	if got := Load().OTELSampleRatio; got != 0.5 {
		t.Fatalf("expected 0.5 got %v", got)
	}

	t.Setenv("OTEL_SAMPLE_RATIO", "half")
	if got := Load().OTELSampleRatio; got != 0.1 {
		t.Fatalf("unparsable ratio should fall back to 0.1, got %v", got)
	}

	t.Setenv("OTEL_SAMPLE_RATIO", "1.5")
	if err := Load().Validate(); err == nil {
		t.Fatalf("expected ratio above 1 to be rejected")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "ETCD")
	t.Setenv("ETCD_ENDPOINTS", "etcd-0:2379, etcd-1:2379,")
	t.Setenv("SCHEDULER_WORKERS", "4")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "250ms")
	t.Setenv("SCHEDULER_EXECUTION_TIMEOUT", "not-a-duration")

	cfg := Load()
	if cfg.StoreBackend != BackendEtcd {
		t.Fatalf("expected etcd backend got %q", cfg.StoreBackend)
	}
	if len(cfg.EtcdEndpoints) != 2 || cfg.EtcdEndpoints[1] != "etcd-1:2379" {
		t.Fatalf("unexpected endpoints %v", cfg.EtcdEndpoints)
	}
	if cfg.SchedulerWorkers != 4 || cfg.SchedulerPollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected scheduler settings %+v", cfg)
	}
	if cfg.SchedulerExecutionTimeout != 0 {
		t.Fatalf("invalid duration should fall back to default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"backend":  func(c *Config) { c.StoreBackend = "mongo" },
		"workers":  func(c *Config) { c.SchedulerWorkers = 0 },
		"poll":     func(c *Config) { c.SchedulerPollInterval = 0 },
		"timeout":  func(c *Config) { c.SchedulerExecutionTimeout = -time.Second },
		"database": func(c *Config) { c.DatabaseURL = "" },
		"nats":     func(c *Config) { c.NATSURL = "" },
		"sampling": func(c *Config) { c.OTELSampleRatio = -0.1 },
	}
	for name, mutate := range cases {
		cfg := Load()
		cfg.StoreBackend = BackendPostgres
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseRetryPolicies(t *testing.T) {
	policies, err := ParseRetryPolicies([]byte(`
policies:
  stop_process:
    max_retry_count: 10
    retry_interval: 15s
  start_process:
    retry_interval: 1m
`))
	if err != nil {
		t.Fatalf("ParseRetryPolicies: %v", err)
	}
	stop := policies["stop_process"]
	if stop.MaxRetryCount == nil || *stop.MaxRetryCount != 10 || stop.RetryInterval != 15*time.Second {
		t.Fatalf("unexpected stop_process policy %+v", stop)
	}
	start := policies["start_process"]
	if start.MaxRetryCount != nil || start.RetryInterval != time.Minute {
		t.Fatalf("unexpected start_process policy %+v", start)
	}

	if _, err := ParseRetryPolicies([]byte("policies:\n  x:\n    max_retry_count: -1\n")); err == nil {
		t.Fatalf("expected negative retry count to be rejected")
	}
}

func TestLoadRetryPoliciesFromFile(t *testing.T) {
	empty, err := LoadRetryPolicies("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected no overrides for empty path, got %v (%v)", empty, err)
	}

	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte("policies:\n  connect_processes:\n    max_retry_count: 2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	policies, err := LoadRetryPolicies(path)
	if err != nil {
		t.Fatalf("LoadRetryPolicies: %v", err)
	}
	if p := policies["connect_processes"]; p.MaxRetryCount == nil || *p.MaxRetryCount != 2 {
		t.Fatalf("unexpected policy %+v", p)
	}
}
