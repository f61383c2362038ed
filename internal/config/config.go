// Package config loads mapper configuration the way cmd/server/main.go in
// the teacher loads its own: plain os.Getenv/strconv lookups with defaults,
// no config-file library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every option spec §6 recognizes.
type Config struct {
	// Identity is the mapper identity prefix; the final identity is "mapper-<Identity>".
	Identity string
	// Format is the serialization scheme tag, opaque to the core.
	Format string
	// AgentTimeout: agents unseen for longer are reaped.
	AgentTimeout time.Duration
	// OfflineRedeliveryFrequency: cadence of offline-queue recovery sweeps.
	OfflineRedeliveryFrequency time.Duration
	// JobExpiry, if non-zero, bounds in-flight job lifetime (supplemental, off by default).
	JobExpiry time.Duration
	// Persistent is the default broker-durability flag for outgoing envelopes.
	Persistent bool
	// Secure restricts agents to their own direct queue; enforced at the broker, outside the core.
	Secure bool

	// Broker connection parameters.
	VHost string
	User  string
	Pass  string
	Host  string
	Port  int

	// Wrapper concerns, out of core scope (§1), carried through opaquely.
	Daemonize bool
	Console   bool
	LogDir    string
	LogLevel  string
}

// MapperIdentity returns the final "mapper-<identity>" identity string.
func (c Config) MapperIdentity() string {
	return "mapper-" + c.Identity
}

// FromEnv loads a Config from the process environment, matching the
// SELF_ID/SELF_ADDR/REPLICATION_FACTOR os.Getenv pattern cmd/server/main.go
// uses, generalized across every option in spec §6.
func FromEnv() (Config, error) {
	c := Config{
		Identity:                   envOr("MAPPER_IDENTITY", "default"),
		Format:                     envOr("MAPPER_FORMAT", "json"),
		AgentTimeout:               15 * time.Second,
		OfflineRedeliveryFrequency: 10 * time.Second,
		Persistent:                 envBool("MAPPER_PERSISTENT", false),
		Secure:                     envBool("MAPPER_SECURE", false),
		VHost:                      envOr("MAPPER_VHOST", "/"),
		User:                       envOr("MAPPER_USER", "guest"),
		Pass:                       envOr("MAPPER_PASS", "guest"),
		Host:                       envOr("MAPPER_HOST", "127.0.0.1"),
		Port:                       5672,
		Daemonize:                  envBool("MAPPER_DAEMONIZE", false),
		Console:                    envBool("MAPPER_CONSOLE", false),
		LogDir:                     envOr("MAPPER_LOG_DIR", ""),
		LogLevel:                   envOr("MAPPER_LOG_LEVEL", "info"),
	}

	if v := os.Getenv("MAPPER_AGENT_TIMEOUT_SECONDS"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid MAPPER_AGENT_TIMEOUT_SECONDS: %w", err)
		}
		c.AgentTimeout = time.Duration(sec) * time.Second
	}
	if v := os.Getenv("MAPPER_OFFLINE_REDELIVERY_FREQUENCY_SECONDS"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid MAPPER_OFFLINE_REDELIVERY_FREQUENCY_SECONDS: %w", err)
		}
		c.OfflineRedeliveryFrequency = time.Duration(sec) * time.Second
	}
	if v := os.Getenv("MAPPER_JOB_EXPIRY_SECONDS"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid MAPPER_JOB_EXPIRY_SECONDS: %w", err)
		}
		c.JobExpiry = time.Duration(sec) * time.Second
	}
	if v := os.Getenv("MAPPER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid MAPPER_PORT: %w", err)
		}
		c.Port = port
	}

	return c, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
