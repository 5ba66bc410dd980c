package network

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// InNamespace runs fn with the calling goroutine's thread switched into the
// named routing domain, restoring the host namespace afterwards. Namespace
// membership is a property of the OS thread, so the thread stays locked for
// the duration; fn must not spawn goroutines that touch the network stack.
func InNamespace(domain string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	host, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get host namespace: %w", err)
	}
	defer host.Close()

	target, err := netns.GetFromName(domain)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("enter domain %s: %w", domain, err)
	}
	defer netns.Set(host)

	return fn()
}
