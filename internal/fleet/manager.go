// Package fleet orchestrates the emulated topology: it drives the address
// plan, the link provisioner, and the daemon supervisor to bring a whole
// fleet up or down as one unit.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/overlaylab/fleetsim/internal/config"
	"github.com/overlaylab/fleetsim/internal/supervisor"
	"github.com/overlaylab/fleetsim/pkg/addrplan"
	"github.com/overlaylab/fleetsim/pkg/network"
)

// State of the whole fleet. The manager treats bring-up and tear-down as
// fleet-wide transitions even though it iterates nodes internally.
type State string

const (
	StateAbsent       State = "absent"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateTearingDown  State = "tearing-down"
)

// HostIndex marks host-scoped entries in result lists; nodes use 1..N.
const HostIndex = 0

// ErrFleetActive is returned by operations that require the fleet to be torn
// down first.
var ErrFleetActive = errors.New("fleet is not absent")

// NodeResult is the per-node (or per-host, Index 0) outcome of a fleet
// operation. Callers must inspect the full set; there is no aggregate exit
// status hiding individual failures.
type NodeResult struct {
	Index int
	Err   error
}

// Launcher is the slice of the supervisor the manager needs. Satisfied by
// *supervisor.Supervisor.
type Launcher interface {
	Launch(ctx context.Context, spec supervisor.Spec) (*supervisor.Instance, error)
	SignalAll(ctx context.Context, instances []*supervisor.Instance, sig unix.Signal) []supervisor.Outcome
	TerminateAll(ctx context.Context, instances []*supervisor.Instance) []supervisor.Outcome
}

// Manager owns the fleet state. All operations run on the calling goroutine;
// nothing here is safe for concurrent use, which keeps error attribution per
// node unambiguous and serializes all mutation of shared host networking
// state.
type Manager struct {
	cfg      *config.Config
	supernet netip.Prefix
	prov     network.Provisioner
	launcher Launcher
	logger   *slog.Logger

	state     State
	instances map[supervisor.Scope]*supervisor.Instance
}

func New(cfg *config.Config, prov network.Provisioner, launcher Launcher, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	supernet, err := netip.ParsePrefix(cfg.Supernet)
	if err != nil {
		return nil, fmt.Errorf("%w: supernet %q: %v", config.ErrInvalidConfig, cfg.Supernet, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		supernet:  supernet.Masked(),
		prov:      prov,
		launcher:  launcher,
		logger:    logger,
		state:     StateAbsent,
		instances: make(map[supervisor.Scope]*supervisor.Instance),
	}, nil
}

// State reports the fleet's current lifecycle state.
func (m *Manager) State() State {
	return m.state
}

// Up brings the whole fleet up: host daemon first, then each node in index
// order. A node's failure is recorded in its result and does not stop the
// remaining nodes. Only an unsatisfiable request (fleet larger than the
// supernet) aborts the operation as a whole.
func (m *Manager) Up(ctx context.Context) ([]NodeResult, error) {
	capacity, err := addrplan.Capacity(m.supernet)
	if err != nil {
		return nil, err
	}
	if m.cfg.FleetSize > capacity {
		return nil, fmt.Errorf("%w: fleet size %d exceeds capacity %d of %s",
			addrplan.ErrRangeExceeded, m.cfg.FleetSize, capacity, m.supernet)
	}

	m.state = StateProvisioning
	m.logger.InfoContext(ctx, "bringing fleet up", "size", m.cfg.FleetSize, "supernet", m.supernet.String())

	var results []NodeResult

	if err := m.prepareWorkDir(); err != nil {
		return nil, err
	}
	if m.cfg.NATEnabled() {
		if err := network.EnableForwarding(m.supernet.String()); err != nil {
			results = append(results, NodeResult{Index: HostIndex, Err: err})
		}
	}

	if err := m.launchHost(ctx); err != nil {
		results = append(results, NodeResult{Index: HostIndex, Err: err})
	}

	for i := 1; i <= m.cfg.FleetSize; i++ {
		if err := m.bringUpNode(ctx, i); err != nil {
			m.logger.WarnContext(ctx, "node bring-up failed", "node", i, "error", err)
			results = append(results, NodeResult{Index: i, Err: err})
			continue
		}
		results = append(results, NodeResult{Index: i})
	}

	m.state = StateRunning
	return results, nil
}

func (m *Manager) launchHost(ctx context.Context) error {
	if _, tracked := m.instances[supervisor.HostScope]; tracked {
		return nil
	}
	inst, err := m.launcher.Launch(ctx, supervisor.Spec{
		Scope:   supervisor.HostScope,
		Binary:  m.cfg.DaemonBin,
		KeyFile: m.keyFile(supervisor.HostScope),
		APIAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(m.cfg.APIPort)),
		Peers:   m.cfg.BootstrapPeers,
		LogPath: m.logFile(supervisor.HostScope),
	})
	if err != nil {
		return err
	}
	m.instances[supervisor.HostScope] = inst
	return nil
}

// bringUpNode runs the full per-node sequence: address plan, domain, link,
// interface configuration in dependency order, default route, daemon launch.
func (m *Manager) bringUpNode(ctx context.Context, index int) error {
	plan, err := addrplan.Plan(m.supernet, index)
	if err != nil {
		return err
	}

	domain := network.DomainName(index)
	insideEnd := network.InsideEndName(index)
	outsideEnd := network.OutsideEndName(index)

	if err := m.provisionNode(plan, domain, insideEnd, outsideEnd); err != nil {
		if m.cfg.RollbackFailedNodes {
			m.rollbackNode(ctx, index, domain, outsideEnd)
		}
		return err
	}

	scope := supervisor.NodeScope(index)
	inst, err := m.launcher.Launch(ctx, supervisor.Spec{
		Scope:   scope,
		Domain:  domain,
		Binary:  m.cfg.DaemonBin,
		KeyFile: m.keyFile(scope),
		APIAddr: net.JoinHostPort(plan.Inside.Addr().String(), strconv.Itoa(m.cfg.APIPort)),
		Peers: []string{
			// All of the node's overlay traffic goes through the host's
			// end of its own link.
			fmt.Sprintf("tcp://%s", net.JoinHostPort(plan.RouteVia.String(), strconv.Itoa(m.cfg.PeerPort))),
		},
		LogPath: m.logFile(scope),
	})
	if err != nil {
		return err
	}
	m.instances[scope] = inst
	return nil
}

// provisionNode performs the strictly ordered networking sequence. An
// interface is only configured once it sits in its final domain, and the
// default route is installed last, after the peer address exists.
func (m *Manager) provisionNode(plan addrplan.NodePlan, domain, insideEnd, outsideEnd string) error {
	if err := m.prov.CreateDomain(domain); err != nil {
		return err
	}
	if err := m.prov.CreateLink(insideEnd, outsideEnd); err != nil {
		return err
	}
	if err := m.prov.MoveEndIntoDomain(insideEnd, domain); err != nil {
		return err
	}
	if err := m.prov.ConfigureInterface(domain, network.LoopbackName, ""); err != nil {
		return err
	}
	if err := m.prov.ConfigureInterface(domain, insideEnd, plan.Inside.String()); err != nil {
		return err
	}
	if err := m.prov.ConfigureInterface(network.HostDomain, outsideEnd, plan.Outside.String()); err != nil {
		return err
	}
	return m.prov.InstallDefaultRoute(domain, plan.RouteVia.String())
}

// rollbackNode is the optional cleanup of a partially provisioned node,
// best-effort by nature.
func (m *Manager) rollbackNode(ctx context.Context, index int, domain, outsideEnd string) {
	if err := m.prov.RemoveLinkOutsideEnd(outsideEnd); err != nil && !errors.Is(err, network.ErrLinkNotFound) {
		m.logger.WarnContext(ctx, "rollback: link removal failed", "node", index, "error", err)
	}
	if err := m.prov.RemoveDomain(domain); err != nil && !errors.Is(err, network.ErrDomainNotFound) {
		m.logger.WarnContext(ctx, "rollback: domain removal failed", "node", index, "error", err)
	}
}

// Down tears the fleet down: all daemons are terminated before any network
// object is removed, so no supervised process loses its domain mid-shutdown.
// Removal is best-effort; everything that could not be removed shows up in
// the results, and the fleet always ends Absent.
func (m *Manager) Down(ctx context.Context) []NodeResult {
	m.state = StateTearingDown
	m.logger.InfoContext(ctx, "tearing fleet down", "size", m.cfg.FleetSize)

	var results []NodeResult

	for _, outcome := range m.launcher.TerminateAll(ctx, m.trackedInstances()) {
		if outcome.Err != nil {
			m.logger.WarnContext(ctx, "terminate failed", "scope", outcome.Scope, "error", outcome.Err)
		}
	}
	m.instances = make(map[supervisor.Scope]*supervisor.Instance)

	for i := m.cfg.FleetSize; i >= 1; i-- {
		results = append(results, NodeResult{Index: i, Err: m.tearDownNode(i)})
	}

	if m.cfg.NATEnabled() {
		if err := network.DisableForwarding(m.supernet.String()); err != nil {
			results = append(results, NodeResult{Index: HostIndex, Err: err})
		}
	}

	m.state = StateAbsent
	return results
}

// tearDownNode removes a node's link and then its domain. Objects that are
// already gone are treated as clean; only real removal failures surface.
func (m *Manager) tearDownNode(index int) error {
	var errs []error
	if err := m.prov.RemoveLinkOutsideEnd(network.OutsideEndName(index)); err != nil && !errors.Is(err, network.ErrLinkNotFound) {
		errs = append(errs, err)
	}
	if err := m.prov.RemoveDomain(network.DomainName(index)); err != nil && !errors.Is(err, network.ErrDomainNotFound) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Broadcast asks every tracked daemon to dump its diagnostic state to its
// own log. Best-effort; an empty fleet is a trivial success.
func (m *Manager) Broadcast(ctx context.Context) []supervisor.Outcome {
	return m.launcher.SignalAll(ctx, m.trackedInstances(), unix.SIGUSR1)
}

// Purge removes the fleet's persisted key material and logs. Only legal once
// the fleet is absent; safe to call repeatedly.
func (m *Manager) Purge(ctx context.Context) ([]NodeResult, error) {
	if m.state != StateAbsent {
		return nil, fmt.Errorf("%w: purge requires tear-down first (state %s)", ErrFleetActive, m.state)
	}

	var results []NodeResult
	results = append(results, NodeResult{Index: HostIndex, Err: m.removeArtifacts(supervisor.HostScope)})
	for i := 1; i <= m.cfg.FleetSize; i++ {
		results = append(results, NodeResult{Index: i, Err: m.removeArtifacts(supervisor.NodeScope(i))})
	}
	m.logger.InfoContext(ctx, "purged fleet artifacts", "work_dir", m.cfg.WorkDir)
	return results, nil
}

func (m *Manager) removeArtifacts(scope supervisor.Scope) error {
	var errs []error
	for _, path := range []string{m.keyFile(scope), m.logFile(scope)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) trackedInstances() []*supervisor.Instance {
	instances := make([]*supervisor.Instance, 0, len(m.instances))
	if host, ok := m.instances[supervisor.HostScope]; ok {
		instances = append(instances, host)
	}
	for i := 1; i <= m.cfg.FleetSize; i++ {
		if inst, ok := m.instances[supervisor.NodeScope(i)]; ok {
			instances = append(instances, inst)
		}
	}
	return instances
}

func (m *Manager) prepareWorkDir() error {
	for _, dir := range []string{m.keysDir(), m.logsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (m *Manager) keysDir() string { return filepath.Join(m.cfg.WorkDir, "keys") }
func (m *Manager) logsDir() string { return filepath.Join(m.cfg.WorkDir, "logs") }

func (m *Manager) keyFile(scope supervisor.Scope) string {
	return filepath.Join(m.keysDir(), string(scope)+".bin")
}

func (m *Manager) logFile(scope supervisor.Scope) string {
	return filepath.Join(m.logsDir(), string(scope)+".log")
}
