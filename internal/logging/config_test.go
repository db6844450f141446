package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" WARNING ", zerolog.WarnLevel, true},
		{"trace", zerolog.TraceLevel, true},
		{"none", zerolog.Disabled, true},
		{"verbose", zerolog.InfoLevel, false},
	}
	for _, tc := range cases {
		got, ok := parseLevel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseLevel(%q) = (%v,%v), want (%v,%v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestProfileDefaults(t *testing.T) {
	rt := defaultConfig(ProfileRuntime)
	if rt.Level != zerolog.InfoLevel || !rt.Timestamp {
		t.Fatalf("unexpected runtime profile: %+v", rt)
	}
	tc := defaultConfig(ProfileTest)
	if tc.Level != zerolog.DebugLevel || tc.Timestamp {
		t.Fatalf("unexpected test profile: %+v", tc)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "1")
	t.Setenv(EnvLogBypass, "maybe")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp disabled")
	}
	if !cfg.NoColor {
		t.Fatalf("expected no-color enabled")
	}
	if cfg.Bypass {
		t.Fatalf("unparseable bypass value must be ignored")
	}
}

func TestBypassWritesJSONLines(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	apply(Config{Level: zerolog.ErrorLevel, Bypass: true, Out: &buf})
	Warnf("sorter.Controller.cycle suppressed run=%s", "r1")
	Logf("sorter.Controller.cycle kept cage=%d", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the levelless line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("bypass output is not json: %v", err)
	}
	if rec["message"] != "sorter.Controller.cycle kept cage=2" {
		t.Fatalf("unexpected record: %v", rec)
	}
}
