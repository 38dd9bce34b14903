package interfaces

import "learnsync/pkg/types"

// StatusPublisher fans status events out to subscribers. Publish must not
// block the caller on slow subscribers.
type StatusPublisher interface {
	Publish(event types.Event) error
}
