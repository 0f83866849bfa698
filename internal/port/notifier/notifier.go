// Package notifier defines the port for telling other replicas that a cached
// parameter set changed.
package notifier

import "context"

// Publisher announces that the value under a cache key changed.
type Publisher interface {
	PublishInvalidation(ctx context.Context, key string) error
}

// Subscriber delivers invalidations published by other replicas.
type Subscriber interface {
	SubscribeInvalidations(handler func(key string)) (cancel func(), err error)
}
