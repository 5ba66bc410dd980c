// Package addrplan derives the deterministic address layout of an emulated
// fleet. Every node index maps to one /24 carved out of the supernet's third
// octet: the node's inside address ends in .2, the host-facing outside
// address ends in .1. The third octet 0 is reserved for the host's own
// management address so the plan can never collide with it.
package addrplan

import (
	"fmt"
	"net/netip"
)

// MaxNodes is the number of node indices a supernet can carry. One /24 per
// node, third octets 1..254, octet 0 reserved for the host.
const MaxNodes = 254

const nodePrefixLen = 24

// NodePlan is the complete address assignment for one node index. It is a
// pure derivation of (supernet, index); equal inputs always yield equal plans.
type NodePlan struct {
	Index    int
	Inside   netip.Prefix // address of the veth end inside the node's domain
	Outside  netip.Prefix // address of the veth end kept in the host domain
	RouteVia netip.Addr   // default route target inside the domain: Outside without its prefix
}

// Plan computes the address pair for a node index within the supernet.
// Fails with ErrRangeExceeded when the index is outside 1..MaxNodes and with
// ErrInvalidSupernet when the supernet cannot carry the third-octet scheme.
func Plan(supernet netip.Prefix, index int) (NodePlan, error) {
	if err := checkSupernet(supernet); err != nil {
		return NodePlan{}, err
	}
	if index < 1 || index > MaxNodes {
		return NodePlan{}, fmt.Errorf("%w: index %d not in 1..%d", ErrRangeExceeded, index, MaxNodes)
	}

	base := supernet.Addr().As4()
	inside := netip.AddrFrom4([4]byte{base[0], base[1], byte(index), 2})
	outside := netip.AddrFrom4([4]byte{base[0], base[1], byte(index), 1})

	return NodePlan{
		Index:    index,
		Inside:   netip.PrefixFrom(inside, nodePrefixLen),
		Outside:  netip.PrefixFrom(outside, nodePrefixLen),
		RouteVia: outside,
	}, nil
}

// Capacity reports how many nodes the supernet can hold.
func Capacity(supernet netip.Prefix) (int, error) {
	if err := checkSupernet(supernet); err != nil {
		return 0, err
	}
	return MaxNodes, nil
}

// HostManagementAddr is the host's own address within the supernet,
// guaranteed disjoint from every node plan.
func HostManagementAddr(supernet netip.Prefix) (netip.Prefix, error) {
	if err := checkSupernet(supernet); err != nil {
		return netip.Prefix{}, err
	}
	base := supernet.Addr().As4()
	addr := netip.AddrFrom4([4]byte{base[0], base[1], 0, 1})
	return netip.PrefixFrom(addr, nodePrefixLen), nil
}

// IndexOf inverts the plan: given an address produced by Plan (either side of
// the pair), it recovers the owning node index. Used for diagnostics.
func IndexOf(supernet netip.Prefix, addr netip.Addr) (int, error) {
	if err := checkSupernet(supernet); err != nil {
		return 0, err
	}
	if !addr.Is4() || !supernet.Contains(addr) {
		return 0, fmt.Errorf("%w: %s not within supernet %s", ErrUnplannedAddress, addr, supernet)
	}
	a := addr.As4()
	index := int(a[2])
	if index < 1 || (a[3] != 1 && a[3] != 2) {
		return 0, fmt.Errorf("%w: %s", ErrUnplannedAddress, addr)
	}
	return index, nil
}

func checkSupernet(supernet netip.Prefix) error {
	if !supernet.IsValid() || !supernet.Addr().Is4() {
		return fmt.Errorf("%w: %s is not an IPv4 prefix", ErrInvalidSupernet, supernet)
	}
	if supernet.Bits() > 16 {
		return fmt.Errorf("%w: %s leaves no room for per-node /24 subnets", ErrInvalidSupernet, supernet)
	}
	if supernet.Masked() != supernet {
		return fmt.Errorf("%w: %s has bits set past the prefix", ErrInvalidSupernet, supernet)
	}
	return nil
}
