package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const sseKeepAlive = 15 * time.Second

// SSEHub routes messages published on a channel to every local client listening on it.
// Cross-replica fan-out happens in the bus package, which feeds Broadcast.
type SSEHub struct {
	log *logger.Logger

	mu        sync.RWMutex
	byID      map[uuid.UUID]*SSEClient
	listeners map[string]map[uuid.UUID]*SSEClient
}

func NewSSEHub(log *logger.Logger) *SSEHub {
	return &SSEHub{
		log:       log.With("component", "SSEHub"),
		byID:      map[uuid.UUID]*SSEClient{},
		listeners: map[string]map[uuid.UUID]*SSEClient{},
	}
}

func (hub *SSEHub) NewSSEClient(userID uuid.UUID) *SSEClient {
	c := newSSEClient(userID)
	hub.mu.Lock()
	hub.byID[c.ID] = c
	hub.mu.Unlock()
	return c
}

// Client looks up a connected client owned by userID.
func (hub *SSEHub) Client(userID, clientID uuid.UUID) (*SSEClient, bool) {
	hub.mu.RLock()
	c := hub.byID[clientID]
	hub.mu.RUnlock()
	if c == nil || c.UserID != userID {
		return nil, false
	}
	return c, true
}

func (hub *SSEHub) AddChannel(client *SSEClient, channel string) {
	if channel = strings.TrimSpace(channel); channel == "" {
		return
	}
	hub.mu.Lock()
	set := hub.listeners[channel]
	if set == nil {
		set = map[uuid.UUID]*SSEClient{}
		hub.listeners[channel] = set
	}
	set[client.ID] = client
	client.channels[channel] = struct{}{}
	hub.mu.Unlock()
	hub.log.Debug("subscribed", "clientID", client.ID, "channel", channel)
}

func (hub *SSEHub) RemoveChannel(client *SSEClient, channel string) {
	if channel = strings.TrimSpace(channel); channel == "" {
		return
	}
	hub.mu.Lock()
	hub.detach(client, channel)
	hub.mu.Unlock()
	hub.log.Debug("unsubscribed", "clientID", client.ID, "channel", channel)
}

// detach requires hub.mu held for writing.
func (hub *SSEHub) detach(client *SSEClient, channel string) {
	delete(client.channels, channel)
	set := hub.listeners[channel]
	delete(set, client.ID)
	if len(set) == 0 {
		delete(hub.listeners, channel)
	}
}

func (hub *SSEHub) RemoveClient(client *SSEClient) {
	hub.mu.Lock()
	for channel := range client.channels {
		hub.detach(client, channel)
	}
	delete(hub.byID, client.ID)
	hub.mu.Unlock()
}

// Broadcast never blocks: a client whose buffer is full misses the message and has to
// catch up through the delta sync endpoint.
func (hub *SSEHub) Broadcast(msg SSEMessage) {
	if msg.Channel == "" {
		return
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for id, c := range hub.listeners[msg.Channel] {
		if !c.offer(msg) {
			hub.log.Warn("outbound buffer full, dropping", "clientID", id, "event", msg.Event)
		}
	}
}

// Subscribers reports how many clients listen on channel.
func (hub *SSEHub) Subscribers(channel string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.listeners[channel])
}

// ServeHTTP streams the client's messages as text/event-stream until the request ends
// or the client is closed. The first frame carries the client id.
func (hub *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request, client *SSEClient) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	send := func(event string, payload any) {
		raw, err := json.Marshal(payload)
		if err != nil {
			hub.log.Warn("encode sse frame", "clientID", client.ID, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
		flusher.Flush()
	}
	send("ready", map[string]any{"client_id": client.ID})

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, open := <-client.Outbound:
			if !open {
				return
			}
			send("message", msg)
		}
	}
}

// CloseClient unsubscribes the client before closing its channels, so Broadcast never
// sends on a closed channel. Safe to call twice.
func (hub *SSEHub) CloseClient(client *SSEClient) {
	client.once.Do(func() {
		hub.RemoveClient(client)
		close(client.done)
		close(client.Outbound)
	})
}
