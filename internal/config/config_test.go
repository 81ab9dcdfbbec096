package config

import (
	"testing"
	"time"
)

func TestNotifyOptionsDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	opts := cfg.Notify.Options()
	if opts.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat interval = %v, want 30s", opts.HeartbeatInterval)
	}
	if opts.ReconnectDelay != 5*time.Second {
		t.Errorf("reconnect delay = %v, want 5s", opts.ReconnectDelay)
	}
	if opts.ExponentialBackoff {
		t.Error("exponential backoff enabled by default, want fixed delay")
	}
}

func TestNotifyOptionsFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_HEARTBEAT_SECONDS", "10")
	t.Setenv("NOTIFY_RECONNECT_SECONDS", "2")
	t.Setenv("NOTIFY_RECONNECT_EXPONENTIAL", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	opts := cfg.Notify.Options()
	if opts.HeartbeatInterval != 10*time.Second {
		t.Errorf("heartbeat interval = %v, want 10s", opts.HeartbeatInterval)
	}
	if opts.ReconnectDelay != 2*time.Second {
		t.Errorf("reconnect delay = %v, want 2s", opts.ReconnectDelay)
	}
	if !opts.ExponentialBackoff {
		t.Error("exponential backoff not enabled by NOTIFY_RECONNECT_EXPONENTIAL")
	}
}

func TestWorkerConcurrencyFromEnv(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("worker concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
}
