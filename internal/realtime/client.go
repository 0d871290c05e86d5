package realtime

import (
	"sync"

	"github.com/google/uuid"
)

const outboundBuffer = 256

// SSEClient is one live connection. The hub owns its channel set; handlers only read
// Outbound and Done.
type SSEClient struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Outbound chan SSEMessage

	channels map[string]struct{}
	done     chan struct{}
	once     sync.Once
}

func newSSEClient(userID uuid.UUID) *SSEClient {
	return &SSEClient{
		ID:       uuid.New(),
		UserID:   userID,
		Outbound: make(chan SSEMessage, outboundBuffer),
		channels: map[string]struct{}{},
		done:     make(chan struct{}),
	}
}

// Done is closed when the hub closes the client.
func (c *SSEClient) Done() <-chan struct{} { return c.done }

// offer hands msg to the client without blocking.
func (c *SSEClient) offer(msg SSEMessage) bool {
	select {
	case c.Outbound <- msg:
		return true
	default:
		return false
	}
}
