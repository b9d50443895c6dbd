package queue

import "context"

// Envelope is one published queue message, carrying the FIFO
// deduplication attributes alongside the wire body.
type Envelope struct {
	QueueURL               string
	Body                   []byte
	MessageGroupID         string
	MessageDeduplicationID string
}

// Publisher abstracts the FIFO queue capability (SQS in the source
// system; Kafka in this implementation).
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}
