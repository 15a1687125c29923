package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevelsAndModule(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Pool", "hidden")
	l.Warn("Pool", "exhausted after %d", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("INFO written at WARN level: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Pool] exhausted after 3") {
		t.Fatalf("unexpected output %q", out)
	}

	l.SetLevel(SILENT)
	l.Error("Pool", "dropped")
	if strings.Contains(buf.String(), "dropped") {
		t.Fatalf("ERROR written at SILENT level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=(%v,%v), want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSampledEvery(t *testing.T) {
	s := Every("RTP", 4)
	logged := 0
	for i := 0; i < 10; i++ {
		if _, ok := s.tick(); ok {
			logged++
		}
	}
	// calls 1, 5, 9
	if logged != 3 {
		t.Fatalf("logged %d times, want 3", logged)
	}
	if s.Count() != 10 {
		t.Fatalf("Count=%d", s.Count())
	}
}
