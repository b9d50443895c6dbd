package routing

import "context"

// Store abstracts the routing table and the active-color parameter store.
// Both are external capabilities per the component design; RedisStore is
// the concrete implementation used in production.
type Store interface {
	GetRouting(ctx context.Context, key string) (*RawEntry, error)
	GetActiveColor(ctx context.Context, environment string) (string, error)
}
