package publisher

import (
	"context"

	"github.com/tagpipe/hashtag-importer/internal/importer"
)

// NoopPublisher implements importer.Publisher by discarding events.
// It is the default when no publisher is configured.
type NoopPublisher struct{}

// NewNoopPublisher creates a NoopPublisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Publish discards the event.
func (NoopPublisher) Publish(context.Context, importer.BatchEvent) error {
	return nil
}

// Close is a no-op.
func (NoopPublisher) Close() error {
	return nil
}
