package network

import "fmt"

// Naming scheme for fleet network objects. Names derive from the node index
// only, so they are stable across runs and collision-free across the fleet.
// Interface names stay within the kernel's 15 character limit for every
// index up to 254.
const (
	// DomainPrefix prefixes every routing domain (network namespace) name.
	DomainPrefix = "fleet"

	// LinkPrefix prefixes both ends of a node's veth pair.
	LinkPrefix = "veth"

	// LoopbackName is the loopback interface present in every fresh domain.
	LoopbackName = "lo"
)

// HostDomain is the empty domain name, addressing the host's own namespace.
const HostDomain = ""

// DomainName returns the routing domain name for a node index, e.g. "fleet3".
func DomainName(index int) string {
	return fmt.Sprintf("%s%d", DomainPrefix, index)
}

// InsideEndName returns the name of the veth end that gets moved into the
// node's domain, e.g. "veth3-in".
func InsideEndName(index int) string {
	return fmt.Sprintf("%s%d-in", LinkPrefix, index)
}

// OutsideEndName returns the name of the veth end that stays in the host
// domain, e.g. "veth3-out".
func OutsideEndName(index int) string {
	return fmt.Sprintf("%s%d-out", LinkPrefix, index)
}
