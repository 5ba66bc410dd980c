package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/overlaylab/fleetsim/internal/supervisor"
)

const inspectTimeout = 3 * time.Second

// NodeInfo is one daemon's view of itself, read from its local admin API.
type NodeInfo struct {
	Scope  supervisor.Scope
	Subnet string
	Peers  []PeerInfo
	Err    error
}

// PeerInfo mirrors the daemon's peer stats; only the endpoint is interpreted,
// the rest stays with the daemon.
type PeerInfo struct {
	Endpoint string `json:"endpoint"`
}

type adminInfo struct {
	NodeSubnet string `json:"nodeSubnet"`
}

// Inspect queries every tracked daemon's admin API and collects what each
// one reports. Per-instance failures (daemon not ready, API unreachable) are
// recorded in that instance's entry, never fatal to the batch.
func (m *Manager) Inspect(ctx context.Context) []NodeInfo {
	client := &http.Client{Timeout: inspectTimeout}

	var infos []NodeInfo
	for _, inst := range m.trackedInstances() {
		info := NodeInfo{Scope: inst.Scope}
		info.Err = m.queryInstance(ctx, client, inst, &info)
		infos = append(infos, info)
	}
	return infos
}

func (m *Manager) queryInstance(ctx context.Context, client *http.Client, inst *supervisor.Instance, info *NodeInfo) error {
	var admin adminInfo
	if err := getJSON(ctx, client, inst.APIAddr, "/api/v1/admin", &admin); err != nil {
		return err
	}
	info.Subnet = admin.NodeSubnet

	if err := getJSON(ctx, client, inst.APIAddr, "/api/v1/admin/peers", &info.Peers); err != nil {
		return err
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, apiAddr, path string, out any) error {
	url := fmt.Sprintf("http://%s%s", apiAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: unexpected status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
