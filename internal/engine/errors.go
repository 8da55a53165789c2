package engine

import "errors"

var (
	// ErrSyncInProgress is returned when a drain is requested while another
	// drain is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrOffline is returned when a drain is requested while offline.
	ErrOffline = errors.New("offline")

	// ErrNotInitialized is returned before Initialize or after Shutdown.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrNoConflict is returned by ResolveConflict when the operation is not
	// waiting for a decision.
	ErrNoConflict = errors.New("no conflict awaiting decision")
)
