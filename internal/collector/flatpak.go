package collector

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner runs an external tool and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner returns a CommandRunner that bounds every call by timeout.
func ExecRunner(timeout time.Duration) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, name, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%s timed out after %v", name, timeout)
			}
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return stdout.Bytes(), nil
	}
}

// FlatpakNames maps flatpak application ids to display names. The zero
// value is a valid, empty mapping.
type FlatpakNames struct {
	byID map[string]string
}

// NewFlatpakNames builds a mapping from id -> display name pairs.
func NewFlatpakNames(byID map[string]string) FlatpakNames {
	return FlatpakNames{byID: byID}
}

// Resolve returns the display name for id, or id itself when unknown.
func (n FlatpakNames) Resolve(id string) string {
	if name, ok := n.byID[id]; ok && name != "" {
		return name
	}
	return id
}

// Len reports how many applications are known.
func (n FlatpakNames) Len() int {
	return len(n.byID)
}

// LoadFlatpakNames lists installed flatpak applications once. On any
// failure it returns the empty mapping together with the cause.
func LoadFlatpakNames(ctx context.Context, run CommandRunner) (FlatpakNames, error) {
	out, err := run(ctx, "flatpak", "list", "--app", "--columns=name,application")
	if err != nil {
		return FlatpakNames{}, fmt.Errorf("list flatpaks: %w", err)
	}
	byID, err := parseFlatpakList(string(out))
	if err != nil {
		return FlatpakNames{}, err
	}
	return FlatpakNames{byID: byID}, nil
}

func parseFlatpakList(out string) (map[string]string, error) {
	byID := make(map[string]string)
	for i, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, id, ok := strings.Cut(line, "\t")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			return nil, fmt.Errorf("parse flatpak list: malformed line %d: %q", i+1, line)
		}
		byID[id] = name
	}
	return byID, nil
}
