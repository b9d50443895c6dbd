package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/compiler-explorer/ce-router/core/infra/logging"
	"github.com/compiler-explorer/ce-router/core/infra/metrics"
	"github.com/compiler-explorer/ce-router/core/objectstore"
)

const defaultMessageGroupID = "default"

// SendRequest carries everything the submitter needs to build, optionally
// overflow, and publish one queue message.
type SendRequest struct {
	CorrelationID string
	CompilerID    string
	Environment   string
	QueueURL      string
	RawBody       []byte
	ContentType   string
	IsCMake       bool
	Headers       map[string]string
	Query         map[string]string
}

// Submitter implements the queue submission path: body parsing, message
// assembly, size-triggered overflow to object storage, and FIFO publish.
type Submitter struct {
	publisher      Publisher
	store          objectstore.Store
	metrics        metrics.Metrics
	maxMessageSize int
	overflowBucket string
	overflowPrefix string
}

// New constructs a Submitter.
func New(publisher Publisher, store objectstore.Store, m metrics.Metrics, maxMessageSize int, overflowBucket, overflowPrefix string) *Submitter {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Submitter{
		publisher:      publisher,
		store:          store,
		metrics:        m,
		maxMessageSize: maxMessageSize,
		overflowBucket: overflowBucket,
		overflowPrefix: overflowPrefix,
	}
}

// Send builds the queue message for req, overflows it to object storage if
// it exceeds the configured size limit, and publishes it with FIFO
// deduplication keyed by the correlation id.
func (s *Submitter) Send(ctx context.Context, req SendRequest) error {
	msg := buildMessage(req.CorrelationID, req.CompilerID, req.IsCMake, req.Headers, req.Query, req.RawBody, req.ContentType)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	published := data
	if len(data) > s.maxMessageSize {
		published, err = s.overflow(ctx, req, data)
		if err != nil {
			return err
		}
	}

	env := Envelope{
		QueueURL:               req.QueueURL,
		Body:                   published,
		MessageGroupID:         defaultMessageGroupID,
		MessageDeduplicationID: req.CorrelationID,
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish queue message: %w", err)
	}
	s.metrics.IncQueuePublished(req.Environment, colorFromQueueURL(req.QueueURL))
	return nil
}

func (s *Submitter) overflow(ctx context.Context, req SendRequest, data []byte) ([]byte, error) {
	key := overflowKey(s.overflowPrefix, req.Environment, req.CorrelationID)
	metadata := map[string]string{
		"guid":         req.CorrelationID,
		"compilerId":   req.CompilerID,
		"environment":  req.Environment,
		"originalSize": fmt.Sprintf("%d", len(data)),
	}
	if err := s.store.PutObject(ctx, s.overflowBucket, key, data, "application/json", metadata); err != nil {
		return nil, fmt.Errorf("overflow put object: %w", err)
	}

	envelope := map[string]any{
		"type":         "s3-overflow",
		"guid":         req.CorrelationID,
		"compilerId":   req.CompilerID,
		"s3Bucket":     s.overflowBucket,
		"s3Key":        key,
		"originalSize": len(data),
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal overflow envelope: %w", err)
	}
	s.metrics.IncQueueOverflow(req.Environment)
	logging.Info("queue", "message overflowed to object store", "guid", req.CorrelationID, "key", key, "originalSize", len(data))
	return out, nil
}

func overflowKey(prefix, environment, guid string) string {
	now := time.Now().UTC()
	ts := fmt.Sprintf("%04d-%02d-%02dT%02d-%02d-%02d-%03dZ", now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), now.Nanosecond()/1e6)
	return fmt.Sprintf("%s%s/%s/%s.json", prefix, environment, ts, guid)
}

func colorFromQueueURL(queueURL string) string {
	lower := strings.ToLower(queueURL)
	switch {
	case strings.Contains(lower, "-blue"):
		return "blue"
	case strings.Contains(lower, "-green"):
		return "green"
	default:
		return "unknown"
	}
}
