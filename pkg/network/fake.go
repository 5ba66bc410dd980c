package network

import (
	"fmt"
	"net/netip"
)

// FakeProvisioner is an in-memory Provisioner for tests. It enforces the
// same error contracts as the netlink implementation and records every call
// so tests can assert operation ordering.
type FakeProvisioner struct {
	Calls []string

	// RemoveDomainErrs injects failures into RemoveDomain by domain name,
	// for exercising best-effort teardown paths.
	RemoveDomainErrs map[string]error

	domains map[string]bool
	ends    map[string]string // end name -> paired end name
	inDom   map[string]string // end name -> domain it was moved into
	routes  map[string]bool   // domain -> has default route
}

var _ Provisioner = (*FakeProvisioner)(nil)

func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{
		RemoveDomainErrs: map[string]error{},
		domains:          map[string]bool{},
		ends:             map[string]string{},
		inDom:            map[string]string{},
		routes:           map[string]bool{},
	}
}

func (f *FakeProvisioner) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *FakeProvisioner) CreateDomain(name string) error {
	f.record("CreateDomain(%s)", name)
	if f.domains[name] {
		return fmt.Errorf("%w: %s", ErrDomainExists, name)
	}
	f.domains[name] = true
	return nil
}

func (f *FakeProvisioner) CreateLink(insideEnd, outsideEnd string) error {
	f.record("CreateLink(%s,%s)", insideEnd, outsideEnd)
	for _, name := range []string{insideEnd, outsideEnd} {
		if _, taken := f.ends[name]; taken {
			return fmt.Errorf("%w: %s", ErrLinkNameConflict, name)
		}
	}
	f.ends[insideEnd] = outsideEnd
	f.ends[outsideEnd] = insideEnd
	return nil
}

func (f *FakeProvisioner) MoveEndIntoDomain(endName, domain string) error {
	f.record("MoveEndIntoDomain(%s,%s)", endName, domain)
	if !f.domains[domain] {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	if _, ok := f.ends[endName]; !ok {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, endName)
	}
	f.inDom[endName] = domain
	return nil
}

func (f *FakeProvisioner) ConfigureInterface(domain, iface, addr string) error {
	f.record("ConfigureInterface(%s,%s,%s)", domain, iface, addr)
	if domain != HostDomain && !f.domains[domain] {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	if addr != "" {
		if _, err := netip.ParsePrefix(addr); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
	}
	return nil
}

func (f *FakeProvisioner) InstallDefaultRoute(domain, via string) error {
	f.record("InstallDefaultRoute(%s,%s)", domain, via)
	if !f.domains[domain] {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	if f.routes[domain] {
		return fmt.Errorf("%w: %s", ErrRouteExists, domain)
	}
	if _, err := netip.ParseAddr(via); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, via)
	}
	f.routes[domain] = true
	return nil
}

func (f *FakeProvisioner) RemoveLinkOutsideEnd(endName string) error {
	f.record("RemoveLinkOutsideEnd(%s)", endName)
	peer, ok := f.ends[endName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, endName)
	}
	delete(f.ends, endName)
	delete(f.ends, peer)
	delete(f.inDom, endName)
	delete(f.inDom, peer)
	return nil
}

func (f *FakeProvisioner) RemoveDomain(name string) error {
	f.record("RemoveDomain(%s)", name)
	if err := f.RemoveDomainErrs[name]; err != nil {
		return err
	}
	if !f.domains[name] {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, name)
	}
	delete(f.domains, name)
	delete(f.routes, name)
	return nil
}

// DomainCount reports how many domains currently exist, for test assertions.
func (f *FakeProvisioner) DomainCount() int {
	return len(f.domains)
}

// LinkCount reports how many veth pairs currently exist.
func (f *FakeProvisioner) LinkCount() int {
	return len(f.ends) / 2
}
