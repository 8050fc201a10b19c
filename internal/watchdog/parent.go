package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// DefaultParentPollInterval is how often ParentMonitor checks its parent
// when no interval is configured.
const DefaultParentPollInterval = time.Second

// ParentMonitor watches the supervising process and reports when it is gone.
type ParentMonitor struct {
	pid      int
	interval time.Duration
	onGone   func()
	alive    func(pid int) error
}

// NewParentMonitor creates a monitor for pid. A negative pid disables
// monitoring: Run returns immediately.
func NewParentMonitor(pid int, interval time.Duration, onGone func()) *ParentMonitor {
	if interval <= 0 {
		interval = DefaultParentPollInterval
	}
	return &ParentMonitor{
		pid:      pid,
		interval: interval,
		onGone:   onGone,
		alive:    processAlive,
	}
}

// PID returns the monitored process id.
func (p *ParentMonitor) PID() int {
	return p.pid
}

// Run polls until the parent is gone or ctx is cancelled. onGone is called
// at most once, from Run's goroutine.
func (p *ParentMonitor) Run(ctx context.Context) error {
	if p.pid < 0 {
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.alive(p.pid); err != nil {
			p.onGone()
			return fmt.Errorf("parent %d: %w", p.pid, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ErrProcessGone is returned by the liveness probe when the process no
// longer exists or has terminated.
var ErrProcessGone = errors.New("process gone")

// processAlive checks pid with signal 0, then confirms from /proc that it
// is not a zombie waiting to be reaped.
func processAlive(pid int) error {
	if err := syscall.Kill(pid, syscall.Signal(0)); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrProcessGone
		}
		// EPERM: exists but owned by someone else.
		if !errors.Is(err, syscall.EPERM) {
			return fmt.Errorf("%w: %w", ErrProcessGone, err)
		}
	}

	state, err := processState(pid)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrProcessGone
		}
		// No procfs: signal 0 is all we have.
		return nil
	}
	switch state {
	case "Z":
		return fmt.Errorf("%w: zombie", ErrProcessGone)
	case "X", "x":
		return fmt.Errorf("%w: dead", ErrProcessGone)
	}
	return nil
}

// processState returns the state letter from /proc/PID/stat.
func processState(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}

	// Format: pid (comm) state ...; comm may itself contain ')'.
	stat := string(data)
	closeParen := strings.LastIndex(stat, ")")
	if closeParen == -1 || closeParen+2 >= len(stat) {
		return "", fmt.Errorf("invalid /proc/stat format")
	}
	fields := strings.Fields(stat[closeParen+2:])
	if len(fields) < 1 {
		return "", fmt.Errorf("invalid /proc/stat format: no state field")
	}
	return fields[0], nil
}
