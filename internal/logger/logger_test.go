package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"cronmesh/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"unknown": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWriterJSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := SetupWriter(config.LogConfig{Level: "warn"}, &buf)

	l.Info().Msg("hidden")
	l.Warn().Str("job", "7").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, `"job":"7"`) || !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %s", out)
	}
}
