package config

import (
	"os"
	"testing"
	"time"
)

func clearMapperEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MAPPER_IDENTITY", "MAPPER_FORMAT", "MAPPER_AGENT_TIMEOUT_SECONDS",
		"MAPPER_OFFLINE_REDELIVERY_FREQUENCY_SECONDS", "MAPPER_JOB_EXPIRY_SECONDS",
		"MAPPER_PERSISTENT", "MAPPER_SECURE", "MAPPER_VHOST", "MAPPER_USER",
		"MAPPER_PASS", "MAPPER_HOST", "MAPPER_PORT", "MAPPER_DAEMONIZE",
		"MAPPER_CONSOLE", "MAPPER_LOG_DIR", "MAPPER_LOG_LEVEL",
	} {
		os.Unsetenv(key)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearMapperEnv(t)
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.Identity != "default" || c.Format != "json" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.AgentTimeout != 15*time.Second {
		t.Fatalf("expected default agent timeout 15s, got %v", c.AgentTimeout)
	}
	if c.OfflineRedeliveryFrequency != 10*time.Second {
		t.Fatalf("expected default redelivery frequency 10s, got %v", c.OfflineRedeliveryFrequency)
	}
	if c.JobExpiry != 0 {
		t.Fatalf("expected job expiry disabled by default, got %v", c.JobExpiry)
	}
	if c.MapperIdentity() != "mapper-default" {
		t.Fatalf("expected mapper-default, got %q", c.MapperIdentity())
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearMapperEnv(t)
	os.Setenv("MAPPER_IDENTITY", "worker-pool")
	os.Setenv("MAPPER_AGENT_TIMEOUT_SECONDS", "30")
	os.Setenv("MAPPER_JOB_EXPIRY_SECONDS", "60")
	os.Setenv("MAPPER_PERSISTENT", "true")
	defer clearMapperEnv(t)

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.MapperIdentity() != "mapper-worker-pool" {
		t.Fatalf("expected mapper-worker-pool, got %q", c.MapperIdentity())
	}
	if c.AgentTimeout != 30*time.Second {
		t.Fatalf("expected 30s agent timeout, got %v", c.AgentTimeout)
	}
	if c.JobExpiry != 60*time.Second {
		t.Fatalf("expected 60s job expiry, got %v", c.JobExpiry)
	}
	if !c.Persistent {
		t.Fatal("expected persistent=true")
	}
}

func TestFromEnvInvalidIntegerErrors(t *testing.T) {
	clearMapperEnv(t)
	os.Setenv("MAPPER_AGENT_TIMEOUT_SECONDS", "not-a-number")
	defer clearMapperEnv(t)

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for a non-numeric agent timeout")
	}
}
