// Package network provisions the emulated topology: isolated routing domains
// (network namespaces), veth pairs wiring each domain to the host, interface
// addressing, and per-domain default routes. All operations take structured
// parameters; nothing shells out.
package network

// Provisioner is the capability surface over the host networking stack. The
// fleet manager is the only caller and drives it single-threaded; the
// required per-node operation order is
//
//	CreateDomain → CreateLink → MoveEndIntoDomain(inside end) →
//	ConfigureInterface(lo in domain) → ConfigureInterface(inside end) →
//	ConfigureInterface(outside end in host) → InstallDefaultRoute
//
// because an interface must sit in its final domain before it is configured,
// and the default route needs the peer address already assigned.
type Provisioner interface {
	// CreateDomain creates an isolated routing domain. Fails with
	// ErrDomainExists if the name is taken.
	CreateDomain(name string) error

	// CreateLink creates a connected veth pair, both ends in the host
	// domain. Fails with ErrLinkNameConflict if either name is in use.
	CreateLink(insideEnd, outsideEnd string) error

	// MoveEndIntoDomain relocates one interface from the host domain into
	// the named domain. Fails with ErrDomainNotFound or ErrLinkNotFound.
	MoveEndIntoDomain(endName, domain string) error

	// ConfigureInterface assigns addr (CIDR notation, empty for none) to
	// the interface and brings it up. domain selects where the interface
	// lives; HostDomain means the host's own namespace. Idempotent on the
	// address; fails with ErrInvalidAddress on malformed input.
	ConfigureInterface(domain, iface, addr string) error

	// InstallDefaultRoute installs the domain's single default route.
	// Fails with ErrRouteExists if a default route is already present.
	InstallDefaultRoute(domain, via string) error

	// RemoveLinkOutsideEnd deletes the host-side end of a veth pair, which
	// destroys the paired inside end with it.
	RemoveLinkOutsideEnd(endName string) error

	// RemoveDomain deletes a routing domain. Fails with ErrDomainNotFound
	// if it does not exist.
	RemoveDomain(name string) error
}
