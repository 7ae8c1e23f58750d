package web

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", map[string]any{
		"Live": 3, "Max": 1000, "Total": int64(42),
		"FromClient": int64(2048), "ToClient": int64(10), "Discarded": int64(0),
		"Reasons": []struct {
			Reason string
			Count  int64
		}{{"idle", 2}},
		"Sessions": nil,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"3 / 1000", "2.0 KiB", "idle", "rendered"} {
		if !strings.Contains(out, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "nope", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestHumanBytes(t *testing.T) {
	tests := map[int64]string{0: "0 B", 1023: "1023 B", 1024: "1.0 KiB", 5 * 1024 * 1024: "5.0 MiB"}
	for in, want := range tests {
		if got := humanBytes(in); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
