package bus

import (
	"context"

	"github.com/yungbote/threadline-backend/internal/realtime"
)

// Bus carries thread and message events between replicas, so a reply streamed by a
// worker on one replica reaches listeners connected to another. Every replica feeds what
// it receives into its local hub; channels keep their user or thread scoping on the way.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	// StartForwarder returns once the subscription is live.
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}

var _ Bus = (*RedisBus)(nil)
