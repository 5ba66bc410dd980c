package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/overlaylab/fleetsim/internal/config"
	"github.com/overlaylab/fleetsim/internal/supervisor"
	"github.com/overlaylab/fleetsim/pkg/addrplan"
	"github.com/overlaylab/fleetsim/pkg/network"
)

// fakeLauncher records launches and bulk operations without spawning
// anything.
type fakeLauncher struct {
	launched   []supervisor.Spec
	signalled  []unix.Signal
	nextPID    int
	failLaunch map[supervisor.Scope]error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, failLaunch: map[supervisor.Scope]error{}}
}

func (f *fakeLauncher) Launch(_ context.Context, spec supervisor.Spec) (*supervisor.Instance, error) {
	if err := f.failLaunch[spec.Scope]; err != nil {
		return nil, err
	}
	f.launched = append(f.launched, spec)
	f.nextPID++
	return &supervisor.Instance{
		ID:      fmt.Sprintf("inst-%d", f.nextPID),
		Scope:   spec.Scope,
		PID:     f.nextPID,
		APIAddr: spec.APIAddr,
		LogPath: spec.LogPath,
	}, nil
}

func (f *fakeLauncher) SignalAll(_ context.Context, instances []*supervisor.Instance, sig unix.Signal) []supervisor.Outcome {
	f.signalled = append(f.signalled, sig)
	outcomes := make([]supervisor.Outcome, len(instances))
	for i, inst := range instances {
		outcomes[i] = supervisor.Outcome{Scope: inst.Scope}
	}
	return outcomes
}

func (f *fakeLauncher) TerminateAll(ctx context.Context, instances []*supervisor.Instance) []supervisor.Outcome {
	return f.SignalAll(ctx, instances, unix.SIGKILL)
}

func testConfig(t *testing.T, size int) *config.Config {
	t.Helper()
	noNAT := false
	return &config.Config{
		Supernet:       "172.16.0.0/16",
		FleetSize:      size,
		BootstrapPeers: []string{"tcp://198.51.100.1:9651"},
		DaemonBin:      "/usr/local/bin/overlayd",
		WorkDir:        t.TempDir(),
		APIPort:        config.DefaultAPIPort,
		PeerPort:       config.DefaultPeerPort,
		EnableNAT:      &noNAT,
	}
}

func newTestManager(t *testing.T, size int) (*Manager, *network.FakeProvisioner, *fakeLauncher) {
	t.Helper()
	prov := network.NewFakeProvisioner()
	launcher := newFakeLauncher()
	m, err := New(testConfig(t, size), prov, launcher, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m, prov, launcher
}

func TestUpProvisionsNodesInOrder(t *testing.T) {
	m, prov, launcher := newTestManager(t, 2)

	results, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("index %d failed: %v", r.Index, r.Err)
		}
	}
	if m.State() != StateRunning {
		t.Errorf("state = %s, want %s", m.State(), StateRunning)
	}

	wantNode1 := []string{
		"CreateDomain(fleet1)",
		"CreateLink(veth1-in,veth1-out)",
		"MoveEndIntoDomain(veth1-in,fleet1)",
		"ConfigureInterface(fleet1,lo,)",
		"ConfigureInterface(fleet1,veth1-in,172.16.1.2/24)",
		"ConfigureInterface(,veth1-out,172.16.1.1/24)",
		"InstallDefaultRoute(fleet1,172.16.1.1)",
	}
	if len(prov.Calls) < len(wantNode1) {
		t.Fatalf("provisioner calls = %v", prov.Calls)
	}
	for i, want := range wantNode1 {
		if prov.Calls[i] != want {
			t.Errorf("call %d = %s, want %s", i, prov.Calls[i], want)
		}
	}

	// Host daemon launches first, with the bootstrap peers.
	if len(launcher.launched) != 3 {
		t.Fatalf("launched %d daemons, want 3", len(launcher.launched))
	}
	host := launcher.launched[0]
	if host.Scope != supervisor.HostScope || host.APIAddr != "127.0.0.1:8989" {
		t.Errorf("host launch = %+v", host)
	}
	if len(host.Peers) != 1 || host.Peers[0] != "tcp://198.51.100.1:9651" {
		t.Errorf("host peers = %v", host.Peers)
	}

	// Node 1's daemon binds its inside address and peers only with the
	// host side of its own link.
	node1 := launcher.launched[1]
	if node1.Scope != supervisor.NodeScope(1) || node1.Domain != "fleet1" {
		t.Errorf("node1 launch = %+v", node1)
	}
	if node1.APIAddr != "172.16.1.2:8989" {
		t.Errorf("node1 api addr = %s, want 172.16.1.2:8989", node1.APIAddr)
	}
	if len(node1.Peers) != 1 || node1.Peers[0] != "tcp://172.16.1.1:9651" {
		t.Errorf("node1 peers = %v", node1.Peers)
	}
	if !strings.HasSuffix(node1.KeyFile, filepath.Join("keys", "node1.bin")) {
		t.Errorf("node1 key file = %s", node1.KeyFile)
	}
	if !strings.HasSuffix(node1.LogPath, filepath.Join("logs", "node1.log")) {
		t.Errorf("node1 log path = %s", node1.LogPath)
	}
}

func TestUpTwiceFailsEachNodeDeterministically(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	ctx := context.Background()

	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("first Up failed: %v", err)
	}

	results, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("second Up aborted: %v", err)
	}
	nodeFailures := 0
	for _, r := range results {
		if r.Index == HostIndex {
			continue
		}
		if !errors.Is(r.Err, network.ErrDomainExists) {
			t.Errorf("node %d error = %v, want ErrDomainExists", r.Index, r.Err)
		}
		nodeFailures++
	}
	if nodeFailures != 3 {
		t.Errorf("node results = %d, want 3", nodeFailures)
	}
}

func TestUpDownLeavesNothingBehind(t *testing.T) {
	m, prov, _ := newTestManager(t, 3)
	ctx := context.Background()

	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if prov.DomainCount() != 3 || prov.LinkCount() != 3 {
		t.Fatalf("after Up: %d domains, %d links", prov.DomainCount(), prov.LinkCount())
	}

	for _, r := range m.Down(ctx) {
		if r.Err != nil {
			t.Errorf("teardown index %d failed: %v", r.Index, r.Err)
		}
	}
	if prov.DomainCount() != 0 || prov.LinkCount() != 0 {
		t.Errorf("after Down: %d domains, %d links, want none", prov.DomainCount(), prov.LinkCount())
	}
	if m.State() != StateAbsent {
		t.Errorf("state = %s, want %s", m.State(), StateAbsent)
	}
	if got := len(m.Broadcast(ctx)); got != 0 {
		t.Errorf("tracked instances after Down = %d, want 0", got)
	}
}

func TestDownIsBestEffort(t *testing.T) {
	m, prov, _ := newTestManager(t, 32)
	ctx := context.Background()

	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	prov.RemoveDomainErrs["fleet5"] = fmt.Errorf("%w: fleet5: device busy", network.ErrRemovalFailed)

	results := m.Down(ctx)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			if r.Index != 5 {
				t.Errorf("unexpected failure at index %d: %v", r.Index, r.Err)
			}
			if !errors.Is(r.Err, network.ErrRemovalFailed) {
				t.Errorf("index 5 error = %v, want ErrRemovalFailed", r.Err)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed removals = %d, want 1", failed)
	}
	// One stuck domain must not keep the fleet from reaching Absent.
	if m.State() != StateAbsent {
		t.Errorf("state = %s, want %s", m.State(), StateAbsent)
	}
}

func TestDownToleratesNeverProvisionedNodes(t *testing.T) {
	m, prov, _ := newTestManager(t, 4)

	for _, r := range m.Down(context.Background()) {
		if r.Err != nil {
			t.Errorf("index %d error = %v, want nil for missing objects", r.Index, r.Err)
		}
	}
	if prov.DomainCount() != 0 {
		t.Errorf("domain count = %d, want 0", prov.DomainCount())
	}
}

func TestUpRejectsOversizedFleet(t *testing.T) {
	m, _, _ := newTestManager(t, 300)

	if _, err := m.Up(context.Background()); !errors.Is(err, addrplan.ErrRangeExceeded) {
		t.Errorf("Up error = %v, want ErrRangeExceeded", err)
	}
}

func TestNodeFailureDoesNotAbortRemainingNodes(t *testing.T) {
	m, prov, _ := newTestManager(t, 3)

	// A stray interface occupies node 2's outside end name.
	if err := prov.CreateLink("veth2-out", "stray0"); err != nil {
		t.Fatalf("seed conflict: %v", err)
	}

	results, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up aborted: %v", err)
	}
	byIndex := map[int]error{}
	for _, r := range results {
		byIndex[r.Index] = r.Err
	}
	if !errors.Is(byIndex[2], network.ErrLinkNameConflict) {
		t.Errorf("node 2 error = %v, want ErrLinkNameConflict", byIndex[2])
	}
	if byIndex[1] != nil || byIndex[3] != nil {
		t.Errorf("healthy nodes failed: 1=%v 3=%v", byIndex[1], byIndex[3])
	}
}

func TestRollbackPolicyCleansFailedNode(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.RollbackFailedNodes = true
	prov := network.NewFakeProvisioner()
	m, err := New(cfg, prov, newFakeLauncher(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := prov.CreateLink("veth1-in", "stray0"); err != nil {
		t.Fatalf("seed conflict: %v", err)
	}

	results, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up aborted: %v", err)
	}
	if len(results) != 1 || !errors.Is(results[0].Err, network.ErrLinkNameConflict) {
		t.Fatalf("results = %+v", results)
	}
	// The domain created during the failed attempt was rolled back.
	if prov.DomainCount() != 0 {
		t.Errorf("domain count = %d after rollback, want 0", prov.DomainCount())
	}
}

func TestHostLaunchFailureIsReported(t *testing.T) {
	m, _, launcher := newTestManager(t, 2)
	launcher.failLaunch[supervisor.HostScope] = supervisor.ErrSpawnFailed

	results, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up aborted: %v", err)
	}
	byIndex := map[int]error{}
	for _, r := range results {
		byIndex[r.Index] = r.Err
	}
	if !errors.Is(byIndex[HostIndex], supervisor.ErrSpawnFailed) {
		t.Errorf("host error = %v, want ErrSpawnFailed", byIndex[HostIndex])
	}
	// The host daemon is fire-and-forget; its failure must not stop the
	// nodes from provisioning.
	if byIndex[1] != nil || byIndex[2] != nil {
		t.Errorf("node results: 1=%v 2=%v", byIndex[1], byIndex[2])
	}
}

func TestBroadcast(t *testing.T) {
	m, _, launcher := newTestManager(t, 2)
	ctx := context.Background()

	// Broadcasting to an empty fleet is a no-op success, not an error.
	if got := len(m.Broadcast(ctx)); got != 0 {
		t.Fatalf("outcomes = %d, want 0", got)
	}

	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	outcomes := m.Broadcast(ctx)
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3 (host + 2 nodes)", len(outcomes))
	}
	last := launcher.signalled[len(launcher.signalled)-1]
	if last != unix.SIGUSR1 {
		t.Errorf("broadcast signal = %v, want SIGUSR1", last)
	}
}

func TestPurge(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	ctx := context.Background()

	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	// Purge is only legal once the fleet is absent.
	if _, err := m.Purge(ctx); !errors.Is(err, ErrFleetActive) {
		t.Errorf("Purge while running error = %v, want ErrFleetActive", err)
	}

	m.Down(ctx)

	// Seed the artifacts a real run would leave behind.
	for _, scope := range []supervisor.Scope{supervisor.HostScope, supervisor.NodeScope(1), supervisor.NodeScope(2)} {
		for _, path := range []string{m.keyFile(scope), m.logFile(scope)} {
			if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
				t.Fatalf("seed %s: %v", path, err)
			}
		}
	}

	results, err := m.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("purge index %d failed: %v", r.Index, r.Err)
		}
	}
	for _, dir := range []string{m.keysDir(), m.logsDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("read %s: %v", dir, err)
		}
		if len(entries) != 0 {
			t.Errorf("%s not empty after purge: %v", dir, entries)
		}
	}

	// Purging twice in a row is safe.
	results, err = m.Purge(ctx)
	if err != nil {
		t.Fatalf("second Purge failed: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("second purge index %d failed: %v", r.Index, r.Err)
		}
	}
}
