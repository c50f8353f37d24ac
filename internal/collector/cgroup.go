package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	sessionHelperSuffix = "flatpak-session-helper.service"
	flatpakScopePrefix  = "app-flatpak-"
	maxAncestorHops     = 64
)

// appScopeRe matches a per-application scope under app.slice and captures
// the scope's base name without the trailing instance number.
var appScopeRe = regexp.MustCompile(`app\.slice/([^/]+)-[0-9]+\.scope(?:/|$)`)

// procRoot is the procfs mount, overridable in tests.
var procRoot = "/proc"

// Inspector answers per-process questions for the classifier.
type Inspector interface {
	Cgroup(ctx context.Context, pid int32) (string, error)
	Name(ctx context.Context, pid int32) (string, error)
	// Parent returns the parent pid, or ok=false for processes without one.
	Parent(ctx context.Context, pid int32) (ppid int32, ok bool, err error)
	Exists(ctx context.Context, pid int32) bool
}

// ClassifierOptions tunes the fixed name sets used during classification.
type ClassifierOptions struct {
	SupervisorRoots []string
	HelperNames     []string
	NativePrefixes  []string
}

// DefaultClassifierOptions returns the GNOME/flatpak defaults.
func DefaultClassifierOptions() ClassifierOptions {
	return ClassifierOptions{
		SupervisorRoots: []string{"systemd", "bwrap"},
		HelperNames:     []string{"flatpak-session-helper", "flatpak-portal", "xdg-dbus-proxy"},
		NativePrefixes:  []string{"app-gnome-"},
	}
}

// Classifier maps a process to an application identity from its cgroup.
type Classifier struct {
	inspect  Inspector
	names    FlatpakNames
	roots    map[string]bool
	helpers  map[string]bool
	prefixes []string
}

// NewClassifier builds a Classifier. names may be the zero value.
func NewClassifier(inspect Inspector, names FlatpakNames, opts ClassifierOptions) *Classifier {
	return &Classifier{
		inspect:  inspect,
		names:    names,
		roots:    toSet(opts.SupervisorRoots),
		helpers:  toSet(opts.HelperNames),
		prefixes: opts.NativePrefixes,
	}
}

// Classify returns the application identity for pid. It returns
// ErrProcessGone (possibly wrapped) if the process exits mid-way.
func (c *Classifier) Classify(ctx context.Context, pid int32) (string, error) {
	cgroup, err := c.inspect.Cgroup(ctx, pid)
	if err != nil {
		return "", err
	}

	if strings.HasSuffix(cgroup, sessionHelperSuffix) {
		return c.classifySandboxed(ctx, pid)
	}

	m := appScopeRe.FindStringSubmatch(cgroup)
	if m == nil {
		return SystemApp, nil
	}
	return c.identityFromScope(m[1]), nil
}

// classifySandboxed walks up from pid until the parent is a supervisor root.
// The last process visited below the root names the application.
func (c *Classifier) classifySandboxed(ctx context.Context, pid int32) (string, error) {
	rep := pid
	name, err := c.inspect.Name(ctx, rep)
	if err != nil {
		return "", err
	}

	for hop := 0; hop < maxAncestorHops; hop++ {
		ppid, ok, err := c.inspect.Parent(ctx, rep)
		if err != nil {
			return "", err
		}
		if !ok || ppid <= 1 {
			break
		}
		parentName, err := c.inspect.Name(ctx, ppid)
		if err != nil {
			return "", err
		}
		if c.roots[parentName] {
			break
		}
		rep, name = ppid, parentName
	}

	if c.helpers[name] {
		return SystemApp, nil
	}
	return name, nil
}

func (c *Classifier) identityFromScope(base string) string {
	if id, ok := strings.CutPrefix(base, flatpakScopePrefix); ok {
		return c.names.Resolve(id)
	}
	for _, p := range c.prefixes {
		if trimmed, ok := strings.CutPrefix(base, p); ok {
			base = trimmed
			break
		}
	}
	if i := strings.IndexByte(base, '\\'); i >= 0 {
		base = base[:i]
	}
	if base == "" {
		return SystemApp
	}
	return base
}

// ParseCgroup picks the membership path from /proc/<pid>/cgroup contents.
// The unified (v2) "0::" entry wins; otherwise the last line is used.
func ParseCgroup(data string) string {
	var last string
	for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if path, ok := strings.CutPrefix(line, "0::"); ok {
			return path
		}
		last = line
	}
	// hierarchy-ID:controllers:path
	if parts := strings.SplitN(last, ":", 3); len(parts) == 3 {
		return parts[2]
	}
	return last
}

func readCgroup(pid int32) (string, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(int(pid)), "cgroup"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read cgroup for pid %d: %w", pid, ErrProcessGone)
		}
		return "", fmt.Errorf("read cgroup for pid %d: %w", pid, err)
	}
	return ParseCgroup(string(data)), nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
