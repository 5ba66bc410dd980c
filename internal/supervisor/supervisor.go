// Package supervisor launches and tracks the external overlay daemons, one
// per emulated node plus one on the host. Daemons are detached background
// processes: launch never waits for readiness, and bulk signal/terminate
// operations are best-effort with a per-instance outcome.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/overlaylab/fleetsim/pkg/network"
)

// bulkLimit bounds the fan-out of bulk signal/terminate operations.
const bulkLimit = 8

// Scope identifies which fleet member a daemon instance belongs to.
type Scope string

// HostScope is the daemon running in the host's own routing domain.
const HostScope Scope = "host"

// NodeScope returns the scope for a node index, e.g. "node3".
func NodeScope(index int) Scope {
	return Scope(fmt.Sprintf("node%d", index))
}

// Spec describes one daemon launch.
type Spec struct {
	Scope   Scope
	Domain  string // routing domain to launch in; empty for the host
	Binary  string
	KeyFile string
	APIAddr string
	Peers   []string
	LogPath string
}

// Instance is a launched daemon. The process handle (PID) is owned by the
// supervisor and becomes invalid once the process exits.
type Instance struct {
	ID        string
	Scope     Scope
	PID       int
	APIAddr   string
	LogPath   string
	StartedAt time.Time
}

// Outcome is the per-instance result of a bulk operation.
type Outcome struct {
	Scope Scope
	Err   error
}

// Supervisor spawns daemon processes and owns their handles.
type Supervisor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger}
}

// Launch starts one daemon as a detached background process, output appended
// to spec.LogPath. For node scopes the process is started with its thread
// inside the node's routing domain, confining the daemon's networking to
// that domain. Returns as soon as the process is running; readiness is the
// daemon's own concern.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (*Instance, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log %s: %v", ErrSpawnFailed, spec.LogPath, err)
	}
	defer logFile.Close()

	cmd := exec.Command(spec.Binary, buildArgs(spec)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New session: the daemon must survive the manager and never receive
	// the manager's terminal signals.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	start := cmd.Start
	if spec.Domain != "" {
		start = func() error {
			return network.InNamespace(spec.Domain, cmd.Start)
		}
	}
	if err := start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Scope, err)
	}

	// Reap the child when it exits so the PID does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	inst := &Instance{
		ID:        id.String(),
		Scope:     spec.Scope,
		PID:       cmd.Process.Pid,
		APIAddr:   spec.APIAddr,
		LogPath:   spec.LogPath,
		StartedAt: time.Now(),
	}
	s.logger.InfoContext(ctx, "daemon launched",
		"scope", spec.Scope,
		"instance", inst.ID,
		"pid", inst.PID,
		"api_addr", spec.APIAddr,
		"log", spec.LogPath)
	return inst, nil
}

// buildArgs assembles the daemon's invocation contract. Peer endpoints are
// opaque strings joined with commas; the supervisor never parses them.
func buildArgs(spec Spec) []string {
	args := []string{
		"--key-file", spec.KeyFile,
		"--api-addr", spec.APIAddr,
	}
	if len(spec.Peers) > 0 {
		args = append(args, "--peers", strings.Join(spec.Peers, ","))
	}
	return args
}

// Alive reports whether the instance's process still exists.
func (s *Supervisor) Alive(inst *Instance) bool {
	if inst == nil || inst.PID <= 0 {
		return false
	}
	return unix.Kill(inst.PID, 0) == nil
}

// SignalAll delivers sig to every instance, bounded concurrency, collecting
// a per-instance outcome. An already-exited instance is not an error; only
// real delivery failures are reported.
func (s *Supervisor) SignalAll(ctx context.Context, instances []*Instance, sig unix.Signal) []Outcome {
	outcomes := make([]Outcome, len(instances))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkLimit)
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			outcomes[i] = Outcome{Scope: inst.Scope, Err: s.signal(ctx, inst, sig)}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (s *Supervisor) signal(ctx context.Context, inst *Instance, sig unix.Signal) error {
	err := unix.Kill(inst.PID, sig)
	switch {
	case err == nil:
		return nil
	case err == unix.ESRCH:
		// Process already gone; nothing to deliver to.
		return nil
	default:
		s.logger.WarnContext(ctx, "signal delivery failed",
			"scope", inst.Scope, "pid", inst.PID, "signal", sig, "error", err)
		return fmt.Errorf("%w: %s (pid %d): %v", ErrSignalFailed, inst.Scope, inst.PID, err)
	}
}

// TerminateAll force-kills every instance. Idempotent: terminating an
// already-dead instance succeeds.
func (s *Supervisor) TerminateAll(ctx context.Context, instances []*Instance) []Outcome {
	return s.SignalAll(ctx, instances, unix.SIGKILL)
}
