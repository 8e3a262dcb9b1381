package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{name: "default mode is api", check: func(c *Config) bool { return c.Mode == "api" }},
		{name: "default port is 8080", check: func(c *Config) bool { return c.Port == 8080 }},
		{name: "listen addr format", check: func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
		{name: "credential cache ttl", check: func(c *Config) bool { return c.CredentialCacheTTL == 5*time.Minute }},
		{name: "emergency cache ttl is longer", check: func(c *Config) bool { return c.EmergencyCacheTTL > c.CredentialCacheTTL }},
		{name: "queue ceiling", check: func(c *Config) bool { return c.QueueMaxDepth == 100000 }},
		{name: "worker batch size", check: func(c *Config) bool { return c.WorkerBatchSize == 1000 }},
		{name: "worker flush timeout", check: func(c *Config) bool { return c.WorkerFlushTimeout == 200*time.Millisecond }},
		{name: "breaker cool off", check: func(c *Config) bool { return c.BreakerCoolOff == 30*time.Second }},
		{name: "query limit cap", check: func(c *Config) bool { return c.QueryMaxLimit == 1000 }},
		{name: "query default window", check: func(c *Config) bool { return c.QueryDefaultWindow == 24*time.Hour }},
		{name: "request timeout", check: func(c *Config) bool { return c.RequestTimeout == 30*time.Second }},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("default mismatch")
			}
		})
	}
}
