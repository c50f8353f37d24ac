package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v4/process"
)

// Sampler returns the CPU share of every live process.
type Sampler interface {
	Sample(ctx context.Context) ([]ProcessSample, error)
}

// PsutilSampler samples processes through gopsutil. CPU percent is the
// process lifetime share, the same figure ps(1) reports as pcpu.
type PsutilSampler struct{}

// Sample lists all processes and their CPU percent. Processes that exit
// while being read are left out.
func (PsutilSampler) Sample(ctx context.Context) ([]ProcessSample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	samples := make([]ProcessSample, 0, len(procs))
	for _, p := range procs {
		pct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		samples = append(samples, ProcessSample{PID: p.Pid, CPUPercent: pct})
	}
	return samples, nil
}

// ProcInspector implements Inspector with procfs and gopsutil.
type ProcInspector struct{}

func (ProcInspector) Cgroup(_ context.Context, pid int32) (string, error) {
	return readCgroup(pid)
}

func (ProcInspector) Name(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", goneOr(pid, err)
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return "", goneOr(pid, err)
	}
	return name, nil
}

func (ProcInspector) Parent(ctx context.Context, pid int32) (int32, bool, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, false, goneOr(pid, err)
	}
	ppid, err := p.PpidWithContext(ctx)
	if err != nil {
		return 0, false, goneOr(pid, err)
	}
	return ppid, ppid > 0, nil
}

func (ProcInspector) Exists(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

func goneOr(pid int32, err error) error {
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}
	return fmt.Errorf("pid %d: %w", pid, err)
}

// SelfAndDescendants returns pid and every transitive child of it.
func SelfAndDescendants(ctx context.Context, pid int32) map[int32]bool {
	seen := map[int32]bool{pid: true}
	queue := []int32{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		p, err := process.NewProcessWithContext(ctx, cur)
		if err != nil {
			continue
		}
		// Children errors when there are none.
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, child := range children {
			if !seen[child.Pid] {
				seen[child.Pid] = true
				queue = append(queue, child.Pid)
			}
		}
	}
	return seen
}

// Merge combines two CPU readings that map to the same identity.
func Merge(prev, next float64) float64 {
	return prev + next
}

// Collect folds process samples into a Snapshot keyed by identity. pids in
// exclude, processes that have exited, and processes that fail
// classification are skipped.
func Collect(ctx context.Context, samples []ProcessSample, exclude map[int32]bool, c *Classifier, logger *slog.Logger) Snapshot {
	snap := make(Snapshot)
	var skipped int
	for _, s := range samples {
		if s.CPUPercent <= 0 || exclude[s.PID] {
			continue
		}
		if !c.inspect.Exists(ctx, s.PID) {
			skipped++
			continue
		}
		app, err := c.Classify(ctx, s.PID)
		if err != nil {
			if !errors.Is(err, ErrProcessGone) {
				logger.Debug("classify failed", "pid", s.PID, "err", err)
			}
			skipped++
			continue
		}
		snap[app] = Merge(snap[app], s.CPUPercent)
	}
	logger.Debug("snapshot", "apps", len(snap), "samples", len(samples), "skipped", skipped)
	return snap
}
