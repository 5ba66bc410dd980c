package supervisor

import "errors"

var (
	// ErrSpawnFailed means the daemon process could not be started.
	ErrSpawnFailed = errors.New("failed to spawn daemon process")

	// ErrSignalFailed means a signal could not be delivered to a live process.
	ErrSignalFailed = errors.New("failed to signal daemon process")
)
