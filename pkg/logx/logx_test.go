package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWithAddsFixedFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("comp", "dispatch"))
	log.Info("published", String("target", "mastodon"), Int("attempts", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" || m["target"] != "mastodon" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["attempts"].(float64) != 2 {
		t.Fatalf("attempts=%v", m["attempts"])
	}
	if m["message"] != "published" {
		t.Fatalf("message=%v", m["message"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("expected zero logger")
	}
	l.Error("nothing happens")
	l.With(String("k", "v")).Info("still nothing")
}

func TestServiceApplyChangesLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := newService(Config{Level: "warn", Console: true, JSON: true}, &buf)
	defer svc.Close()

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %q", buf.String())
	}

	svc.Apply(Config{Level: "debug", Console: true, JSON: true})
	log.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug should pass after Apply: %q", buf.String())
	}
	if !log.Enabled(LevelDebug) {
		t.Fatalf("Enabled(debug) = false after Apply")
	}
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	var buf bytes.Buffer
	svc, log := newService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, &buf)
	log.Info("to file", String("job", "j1"))
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"job":"j1"`) {
		t.Fatalf("file content: %q", b)
	}
	if buf.Len() != 0 {
		t.Fatalf("console disabled but got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
