package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "cpuminer", "1.2.3", "info", "json")

	logger.WithComponent("feed").WithWork(7, 800000).Info("published work")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]any{
		"service":      "cpuminer",
		"version":      "1.2.3",
		"component":    "feed",
		"work_id":      float64(7),
		"block_height": float64(800000),
		"msg":          "published work",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestNewWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		warnSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warning", false, true},
		{"error", false, false},
		{"bogus", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, "s", "v", tt.level, "text")

			logger.Debug("dbg")
			if got := strings.Contains(buf.String(), "dbg"); got != tt.debugSeen {
				t.Errorf("debug visible = %v, want %v", got, tt.debugSeen)
			}

			buf.Reset()
			logger.Warn("wrn")
			if got := strings.Contains(buf.String(), "wrn"); got != tt.warnSeen {
				t.Errorf("warn visible = %v, want %v", got, tt.warnSeen)
			}
		})
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "s", "v", "info", "json")

	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the receiver")
	}

	logger.WithError(errors.New("rpc down")).Error("fetch failed")
	if !strings.Contains(buf.String(), `"error":"rpc down"`) {
		t.Errorf("missing error field: %s", buf.String())
	}
}

func TestFormatHashrate(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 H/s"},
		{950, "950 H/s"},
		{1500, "1.5 KH/s"},
		{2_000_000, "2 MH/s"},
		{3_250_000_000, "3.25 GH/s"},
		{5e18, "5000 PH/s"},
	}

	for _, tt := range tests {
		if got := FormatHashrate(tt.in); got != tt.want {
			t.Errorf("FormatHashrate(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
