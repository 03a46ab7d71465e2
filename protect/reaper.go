package protect

import (
	"context"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Reaper cleans up after owner processes that exited without disconnecting.
type Reaper struct {
	m        *Manager
	interval time.Duration
	onExit   func(pid int)
	exists   func(ctx context.Context, pid int32) (bool, error)
	sources  []func() []int
}

// NewReaper returns a Reaper checking m's pids every interval. onExit is
// called for each pid found dead; nil means m.CleanupProtectedSockets.
func NewReaper(m *Manager, interval time.Duration, onExit func(pid int)) *Reaper {
	if onExit == nil {
		onExit = func(pid int) { m.CleanupProtectedSockets(pid) }
	}
	return &Reaper{
		m:        m,
		interval: interval,
		onExit:   onExit,
		exists:   process.PidExistsWithContext,
	}
}

// Watch adds the pids returned by pids to the ones checked, for owners that
// may hold no protections.
func (r *Reaper) Watch(pids func() []int) {
	r.sources = append(r.sources, pids)
}

func (r *Reaper) pids() []int {
	pids := r.m.Pids()
	for _, source := range r.sources {
		pids = append(pids, source()...)
	}
	slices.Sort(pids)
	return slices.Compact(pids)
}

// Run reaps until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap checks every tracked or watched pid once and returns how many were
// reaped.
func (r *Reaper) Reap(ctx context.Context) int {
	reaped := 0
	for _, pid := range r.pids() {
		alive, err := r.exists(ctx, int32(pid))
		if err != nil {
			r.m.logger.Debugf("reaper: checking pid %d: %s", pid, err)
			continue
		}
		if alive {
			continue
		}
		r.m.logger.Infof("reaper: pid %d exited, cleaning up.", pid)
		r.onExit(pid)
		reaped++
	}
	return reaped
}
