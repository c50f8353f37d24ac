package collector

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func runnerReturning(out string, err error) CommandRunner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestLoadFlatpakNames(t *testing.T) {
	out := "Firefox\torg.mozilla.firefox\nGNOME Boxes\torg.gnome.Boxes\n\n"
	names, err := LoadFlatpakNames(context.Background(), runnerReturning(out, nil))
	if err != nil {
		t.Fatalf("LoadFlatpakNames() error = %v", err)
	}
	if names.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", names.Len())
	}
	if got := names.Resolve("org.mozilla.firefox"); got != "Firefox" {
		t.Fatalf("Resolve(firefox) = %q, want Firefox", got)
	}
	if got := names.Resolve("org.gnome.Boxes"); got != "GNOME Boxes" {
		t.Fatalf("Resolve(boxes) = %q, want %q", got, "GNOME Boxes")
	}
	if got := names.Resolve("com.example.Missing"); got != "com.example.Missing" {
		t.Fatalf("Resolve(missing) = %q, want id fallback", got)
	}
}

func TestLoadFlatpakNames_Failures(t *testing.T) {
	tests := []struct {
		name    string
		run     CommandRunner
		wantErr string
	}{
		{"tool missing", runnerReturning("", errors.New(`exec: "flatpak": executable file not found in $PATH`)), "list flatpaks"},
		{"malformed line", runnerReturning("Firefox org.mozilla.firefox\n", nil), "malformed line 1"},
		{"empty id", runnerReturning("Firefox\t\n", nil), "malformed line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, err := LoadFlatpakNames(context.Background(), tt.run)
			if err == nil {
				t.Fatal("LoadFlatpakNames() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadFlatpakNames() error = %q, want contains %q", err, tt.wantErr)
			}
			if names.Len() != 0 {
				t.Fatalf("Len() = %d, want empty mapping on failure", names.Len())
			}
			if got := names.Resolve("org.mozilla.firefox"); got != "org.mozilla.firefox" {
				t.Fatalf("Resolve() = %q, want raw id", got)
			}
		})
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	run := ExecRunner(0)
	if _, err := run(context.Background(), "sleep", "1"); err == nil {
		t.Fatal("ExecRunner(0) error = nil, want timeout")
	}
}
