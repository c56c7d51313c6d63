// Package transport defines the boundary between the dispatcher and the
// platforms posts are published to.
package transport

import (
	"context"

	"crosspost/internal/post"
)

// Receipt identifies a published post on the remote platform.
type Receipt struct {
	ExternalID string
	URL        string
}

// Adapter publishes content to a single platform account. target is the
// target id the adapter was registered under, so one adapter value may serve
// several targets.
//
// Errors should be *PublishError (or wrap one) so the retry policy can
// classify them; unclassified errors are treated as transport failures.
type Adapter interface {
	Publish(ctx context.Context, target string, content post.Content) (Receipt, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, target string, content post.Content) (Receipt, error)

func (f AdapterFunc) Publish(ctx context.Context, target string, content post.Content) (Receipt, error) {
	return f(ctx, target, content)
}

// Closer is implemented by adapters holding resources (pollers, clients).
type Closer interface {
	Close(ctx context.Context) error
}
