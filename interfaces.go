package ragcascade

import "context"

// EventHook receives a notification after every committed run, including
// runs started by the score listener. Hooks run in goroutines and must not
// block indefinitely. Failures are logged and never affect the run.
type EventHook interface {
	OnSnapshotsCommitted(ctx context.Context, run Run, values []NodeValue) error
}
