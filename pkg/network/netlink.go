package network

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// NetlinkProvisioner implements Provisioner against the real host networking
// stack via netlink and named network namespaces. All methods need root.
type NetlinkProvisioner struct{}

var _ Provisioner = (*NetlinkProvisioner)(nil)

// NewNetlinkProvisioner returns the real provisioner. Fails with ErrNeedRoot
// when not running as root, since every operation would fail anyway.
func NewNetlinkProvisioner() (*NetlinkProvisioner, error) {
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("%w: running as uid %d", ErrNeedRoot, os.Geteuid())
	}
	return &NetlinkProvisioner{}, nil
}

// CreateDomain creates a named network namespace. netns.NewNamed switches
// the current thread into the new namespace, so the host namespace is saved
// and restored around it.
func (p *NetlinkProvisioner) CreateDomain(name string) error {
	if ns, err := netns.GetFromName(name); err == nil {
		ns.Close()
		return fmt.Errorf("%w: %s", ErrDomainExists, name)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	host, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get host namespace: %w", err)
	}
	defer host.Close()

	created, err := netns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("create domain %s: %w", name, err)
	}
	created.Close()

	if err := netns.Set(host); err != nil {
		return fmt.Errorf("return to host namespace: %w", err)
	}
	return nil
}

func (p *NetlinkProvisioner) CreateLink(insideEnd, outsideEnd string) error {
	for _, name := range []string{insideEnd, outsideEnd} {
		if _, err := netlink.LinkByName(name); err == nil {
			return fmt.Errorf("%w: %s", ErrLinkNameConflict, name)
		}
	}

	la := netlink.NewLinkAttrs()
	la.Name = insideEnd
	veth := &netlink.Veth{LinkAttrs: la, PeerName: outsideEnd}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrLinkCreateFailed, insideEnd, outsideEnd, err)
	}
	return nil
}

func (p *NetlinkProvisioner) MoveEndIntoDomain(endName, domain string) error {
	ns, err := netns.GetFromName(domain)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	defer ns.Close()

	link, err := netlink.LinkByName(endName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, endName)
	}

	if err := netlink.LinkSetNsFd(link, int(ns)); err != nil {
		return fmt.Errorf("move %s into %s: %w", endName, domain, err)
	}
	return nil
}

func (p *NetlinkProvisioner) ConfigureInterface(domain, iface, addr string) error {
	if domain == HostDomain {
		return configureInterface(iface, addr)
	}
	return InNamespace(domain, func() error {
		return configureInterface(iface, addr)
	})
}

func configureInterface(iface, addr string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, iface)
	}

	if addr != "" {
		parsed, err := netlink.ParseAddr(addr)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		// AddrReplace keeps reassignment of the same address idempotent.
		if err := netlink.AddrReplace(link, parsed); err != nil {
			return fmt.Errorf("assign %s to %s: %w", addr, iface, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", iface, err)
	}
	return nil
}

func (p *NetlinkProvisioner) InstallDefaultRoute(domain, via string) error {
	gw := net.ParseIP(via)
	if gw == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, via)
	}

	return InNamespace(domain, func() error {
		routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
		if err != nil {
			return fmt.Errorf("list routes in %s: %w", domain, err)
		}
		for _, r := range routes {
			if r.Dst == nil {
				return fmt.Errorf("%w: %s", ErrRouteExists, domain)
			}
		}

		if err := netlink.RouteAdd(&netlink.Route{Gw: gw}); err != nil {
			return fmt.Errorf("install default route via %s in %s: %w", via, domain, err)
		}
		return nil
	})
}

// RemoveLinkOutsideEnd deletes the host-side veth end. The kernel destroys
// the paired inside end with it.
func (p *NetlinkProvisioner) RemoveLinkOutsideEnd(endName string) error {
	link, err := netlink.LinkByName(endName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLinkNotFound, endName)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemovalFailed, endName, err)
	}
	return nil
}

func (p *NetlinkProvisioner) RemoveDomain(name string) error {
	ns, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, name)
	}
	ns.Close()

	if err := netns.DeleteNamed(name); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemovalFailed, name, err)
	}
	return nil
}
