package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, c := range cases {
		logger := New(c.level, false)
		if got := logger.GetLevel(); got != c.want {
			t.Errorf("Expected level %s for %q, got %s", c.want, c.level, got)
		}
	}
}

func TestBootLoggerIsAddressable(t *testing.T) {
	bootLogger := New("info", true)
	if bootLogger.Fatal() == nil {
		t.Error("Expected a fatal event from the boot logger")
	}
	if e := bootLogger.Debug(); e != nil {
		t.Error("Expected debug to be disabled at info level")
	}
}
