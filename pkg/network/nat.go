package network

import (
	"fmt"
	"os"

	"github.com/coreos/go-iptables/iptables"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// EnableForwarding turns on IPv4 forwarding and masquerades traffic leaving
// the fleet supernet, so node traffic routed through the host can reach the
// outside world. Idempotent.
func EnableForwarding(supernetCIDR string) error {
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("%w: enable ip forwarding: %v", ErrForwardingSetupFailed, err)
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("%w: init iptables: %v", ErrForwardingSetupFailed, err)
	}

	if err := ipt.AppendUnique("nat", "POSTROUTING", "-s", supernetCIDR, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("%w: add MASQUERADE rule: %v", ErrForwardingSetupFailed, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-s", supernetCIDR, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("%w: add FORWARD rule: %v", ErrForwardingSetupFailed, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-d", supernetCIDR, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("%w: add FORWARD rule: %v", ErrForwardingSetupFailed, err)
	}

	return nil
}

// DisableForwarding removes the fleet's iptables rules. IP forwarding itself
// is left on since other services may depend on it.
func DisableForwarding(supernetCIDR string) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("init iptables: %w", err)
	}

	_ = ipt.Delete("nat", "POSTROUTING", "-s", supernetCIDR, "-j", "MASQUERADE")
	_ = ipt.Delete("filter", "FORWARD", "-s", supernetCIDR, "-j", "ACCEPT")
	_ = ipt.Delete("filter", "FORWARD", "-d", supernetCIDR, "-j", "ACCEPT")

	return nil
}
