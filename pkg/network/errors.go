package network

import "errors"

var (
	// Domain errors
	ErrDomainExists   = errors.New("routing domain already exists")
	ErrDomainNotFound = errors.New("routing domain not found")

	// Link errors
	ErrLinkNameConflict = errors.New("interface name already in use")
	ErrLinkNotFound     = errors.New("interface not found")
	ErrLinkCreateFailed = errors.New("failed to create veth pair")

	// Address and route errors
	ErrInvalidAddress = errors.New("malformed interface address")
	ErrRouteExists    = errors.New("domain already has a default route")

	// Teardown errors
	ErrRemovalFailed = errors.New("failed to remove network object")

	// NAT/iptables errors
	ErrForwardingSetupFailed = errors.New("failed to set up host forwarding")

	// Permission errors
	ErrNeedRoot = errors.New("operation requires root privileges")
)
