package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("SERVER_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.DBDriver != DriverSQLite {
		t.Errorf("Expected default driver %q, got %q", DriverSQLite, cfg.DBDriver)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.ServerPort)
	}
	if cfg.GatewayProbeTimeout != 3*time.Second {
		t.Errorf("Expected probe timeout 3s, got %v", cfg.GatewayProbeTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("PERSIST_WORKERS", "8")
	t.Setenv("MDNS_ENABLED", "true")
	t.Setenv("GATEWAY_PROBE_TIMEOUT", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.DBDriver != DriverPostgres {
		t.Errorf("Expected driver postgres, got %q", cfg.DBDriver)
	}
	if cfg.PersistWorkers != 8 {
		t.Errorf("Expected 8 workers, got %d", cfg.PersistWorkers)
	}
	if !cfg.MDNSEnabled {
		t.Error("Expected mDNS to be enabled")
	}
	if cfg.GatewayProbeTimeout != 750*time.Millisecond {
		t.Errorf("Expected 750ms, got %v", cfg.GatewayProbeTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown driver", "DB_DRIVER", "mongo"},
		{"zero workers", "PERSIST_WORKERS", "0"},
		{"zero write rate", "WRITES_PER_SECOND", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
