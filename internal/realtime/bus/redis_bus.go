package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/realtime"
)

const (
	defaultRedisChannel = "sse"
	redisDialTimeout    = 5 * time.Second
)

var errNoRedis = errors.New("redis bus not initialized")

type RedisConfig struct {
	Addr    string
	Channel string
}

// RedisBus carries realtime messages over a single redis pub/sub channel.
type RedisBus struct {
	log     *logger.Logger
	client  *goredis.Client
	channel string
}

// NewRedisBus dials and pings redis before returning, so a bad address fails at startup.
func NewRedisBus(log *logger.Logger, cfg RedisConfig) (*RedisBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultRedisChannel
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: redisDialTimeout})
	pingCtx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisBus{
		log:     log.With("component", "RedisBus", "channel", channel),
		client:  client,
		channel: channel,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, msg realtime.SSEMessage) error {
	if b == nil || b.client == nil {
		return errNoRedis
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Event, err)
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes synchronously, then relays messages to onMsg from a
// goroutine until ctx ends.
func (b *RedisBus) StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error {
	if b == nil || b.client == nil {
		return errNoRedis
	}
	if onMsg == nil {
		return fmt.Errorf("forwarder callback required")
	}
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go b.forward(ctx, sub, onMsg)
	return nil
}

func (b *RedisBus) forward(ctx context.Context, sub *goredis.PubSub, onMsg func(m realtime.SSEMessage)) {
	defer sub.Close()
	in := sub.Channel()
	for {
		var m *goredis.Message
		select {
		case <-ctx.Done():
			return
		case m = <-in:
		}
		if m == nil {
			return
		}
		var msg realtime.SSEMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			b.log.Warn("skipping undecodable payload", "error", err)
			continue
		}
		onMsg(msg)
	}
}

func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
