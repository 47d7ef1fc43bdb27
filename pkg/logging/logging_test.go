package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, slog.LevelWarn, false)
	log.Info("hidden")
	log.Warn("shown", "peerId", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "peerId=abc") {
		t.Fatalf("warn line missing: %q", out)
	}
}
