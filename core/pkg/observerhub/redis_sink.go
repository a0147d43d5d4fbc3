package observerhub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes observation events to a Redis pub/sub channel, so an
// external process (a dashboard, an alerting rule) can watch the kernel
// without being wired into it as a Go callback.
//
// A RedisSink is registered as an ordinary Observer; publish failures are
// logged by the caller of NewRedisSink's errFn, never propagated — observer
// failures never propagate to the guard.
type RedisSink struct {
	client  *redis.Client
	channel string
	errFn   func(error)
}

// NewRedisSink constructs a RedisSink publishing to channel on the given
// Redis client. errFn receives publish errors for logging; pass nil to
// ignore them silently.
func NewRedisSink(client *redis.Client, channel string, errFn func(error)) *RedisSink {
	if errFn == nil {
		errFn = func(error) {}
	}
	return &RedisSink{client: client, channel: channel, errFn: errFn}
}

// Observer adapts the sink into an observerhub.Observer suitable for
// Hub.Register.
func (s *RedisSink) Observer() Observer {
	return func(eventType EventType, details map[string]any) {
		payload, err := json.Marshal(map[string]any{
			"event_type": eventType,
			"details":    details,
			"emitted_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			s.errFn(err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			s.errFn(err)
		}
	}
}
