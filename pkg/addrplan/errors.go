package addrplan

import "errors"

var (
	// ErrRangeExceeded means the requested node index does not fit the supernet.
	ErrRangeExceeded = errors.New("node index exceeds supernet capacity")

	// ErrInvalidSupernet means the supernet cannot carry the addressing scheme.
	ErrInvalidSupernet = errors.New("invalid supernet")

	// ErrUnplannedAddress means an address was not produced by this plan.
	ErrUnplannedAddress = errors.New("address is not part of the fleet plan")
)
