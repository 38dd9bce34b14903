package offlinesync

import "errors"

var (
	// ErrSyncInProgress is returned to a trigger that arrives while a pass is
	// running. The trigger is dropped, not queued.
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrNoSession      = errors.New("no credential to sync with")
)
