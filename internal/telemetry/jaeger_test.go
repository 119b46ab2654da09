package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitJaegerDisabled(t *testing.T) {
	shutdown, err := InitJaeger(false, "afteryou-test", "http://localhost:14268/api/traces", zerolog.Nop())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("No-op shutdown should not fail: %v", err)
	}
}
