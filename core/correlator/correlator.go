package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/compiler-explorer/ce-router/core/infra/logging"
	"github.com/compiler-explorer/ce-router/core/infra/metrics"
	"github.com/compiler-explorer/ce-router/core/objectstore"
)

// Correlator owns the correlation-id-keyed waiter mapping and resolves
// results (including overflowed ones) delivered over the event bus.
type Correlator struct {
	bus          Bus
	store        objectstore.Store
	metrics      metrics.Metrics
	resultBucket string
	resultPrefix string

	mu      sync.Mutex
	waiters map[string]chan Result
}

// New constructs a Correlator. resultBucket/resultPrefix locate overflowed
// results (§4.5.1): the object is read from resultBucket at
// resultPrefix+s3Key, where s3Key comes from the message. An s3Bucket field
// on a message is not consulted.
func New(bus Bus, store objectstore.Store, m metrics.Metrics, resultBucket, resultPrefix string) *Correlator {
	if m == nil {
		m = metrics.Noop{}
	}
	if resultBucket == "" {
		resultBucket = "storage.godbolt.org"
	}
	if resultPrefix == "" {
		resultPrefix = "cache/"
	}
	return &Correlator{
		bus:          bus,
		store:        store,
		metrics:      m,
		resultBucket: resultBucket,
		resultPrefix: resultPrefix,
		waiters:      make(map[string]chan Result),
	}
}

// Subscribe registers interest in correlationId with the event bus. It does
// not create a waiter. An error means no subscription is in place and the
// caller must not proceed with this correlation id.
func (c *Correlator) Subscribe(correlationID string) error {
	return c.bus.Subscribe(correlationID)
}

// Unsubscribe removes any waiter for correlationId and tells the event bus
// to drop the subscription.
func (c *Correlator) Unsubscribe(correlationID string) {
	c.mu.Lock()
	delete(c.waiters, correlationID)
	c.mu.Unlock()
	c.bus.Unsubscribe(correlationID)
}

// WaitForResult registers a waiter for correlationId and blocks until a
// result arrives, the timeout elapses, or ctx is cancelled. It is an error
// to call WaitForResult twice for the same id.
func (c *Correlator) WaitForResult(ctx context.Context, correlationID string, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	if _, exists := c.waiters[correlationID]; exists {
		c.mu.Unlock()
		return nil, ErrAlreadyWaiting
	}
	ch := make(chan Result, 1)
	c.waiters[correlationID] = ch
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		c.drop(correlationID)
		c.bus.Unsubscribe(correlationID)
		c.metrics.IncCorrelatorResult("timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		c.drop(correlationID)
		c.bus.Unsubscribe(correlationID)
		c.metrics.IncCorrelatorResult("cancelled")
		return nil, ctx.Err()
	}
}

func (c *Correlator) drop(correlationID string) {
	c.mu.Lock()
	delete(c.waiters, correlationID)
	c.mu.Unlock()
}

// OnBusMessage is invoked by the event-bus client for every decoded object
// message. Messages with no guid, or a guid not matching a registered
// waiter, are silently ignored.
func (c *Correlator) OnBusMessage(ctx context.Context, msg map[string]any) {
	guid, ok := msg["guid"].(string)
	if !ok || guid == "" {
		return
	}

	c.mu.Lock()
	ch, exists := c.waiters[guid]
	if exists {
		delete(c.waiters, guid)
	}
	c.mu.Unlock()
	if !exists {
		return
	}

	c.bus.Ack(guid)
	result := c.resolveResult(ctx, msg)
	c.bus.Unsubscribe(guid)
	c.metrics.IncCorrelatorResult("delivered")
	ch <- result
}

var payloadFields = []string{"asm", "stdout", "stderr", "code", "output", "result"}

func (c *Correlator) resolveResult(ctx context.Context, msg map[string]any) Result {
	s3Key, hasKey := msg["s3Key"].(string)
	if !hasKey || s3Key == "" || hasAnyPayloadField(msg) {
		return Result(msg)
	}

	data, err := c.store.GetObject(ctx, c.resultBucket, c.resultPrefix+s3Key)
	if err != nil {
		logging.Error("correlator", "overflowed result fetch failed", "s3Key", s3Key, "error", err)
		return syntheticErrorResult(msg)
	}

	fetched, err := decodeResult(data)
	if err != nil {
		logging.Error("correlator", "overflowed result decode failed", "s3Key", s3Key, "error", err)
		return syntheticErrorResult(msg)
	}

	merged := make(Result, len(fetched)+len(msg))
	for k, v := range fetched {
		merged[k] = v
	}
	for k, v := range msg {
		merged[k] = v
	}
	return merged
}

func hasAnyPayloadField(msg map[string]any) bool {
	for _, f := range payloadFields {
		if _, ok := msg[f]; ok {
			return true
		}
	}
	return false
}

func syntheticErrorResult(msg map[string]any) Result {
	guid, _ := msg["guid"].(string)
	return Result{
		"code":      -1,
		"okToCache": false,
		"stdout":    []any{},
		"stderr":    []any{map[string]any{"text": "An internal error has occurred while retrieving the compilation result"}},
		"execTime":  0,
		"timedOut":  false,
		"guid":      guid,
	}
}
