package ui

import (
	"testing"
	"time"
)

func TestRenderPlain(t *testing.T) {
	colorEnabled = false
	if got := RenderPass("ok"); got != "ok" {
		t.Errorf("RenderPass() = %q, want plain text", got)
	}
}

func TestKeyValues(t *testing.T) {
	colorEnabled = false
	got := KeyValues("Root", "/data", "Last sync", "never")
	want := "   Root:      /data\n   Last sync: never\n"
	if got != want {
		t.Errorf("KeyValues() = %q, want %q", got, want)
	}
}

func TestAgo(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "never"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5 * time.Minute), "5m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-72 * time.Hour), "3d ago"},
	}
	for _, tt := range tests {
		if got := Ago(tt.t, now); got != tt.want {
			t.Errorf("Ago(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}
