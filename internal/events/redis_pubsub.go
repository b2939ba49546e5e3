package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/nearby/internal/models"
)

// RedisBroadcaster publishes events on a shared pub/sub channel so every API
// replica can forward them to its own websocket clients.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisBroadcaster(client redis.UniversalClient, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, channel: channel}
}

func (r *RedisBroadcaster) Publish(ctx context.Context, ev models.LocationChanged) error {
	b, err := json.Marshal(NewEnvelope(ev))
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Relay subscribes to the channel and hands each decoded event to dst until
// ctx is cancelled.
func (r *RedisBroadcaster) Relay(ctx context.Context, dst Publisher) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			_ = dst.Publish(ctx, env.LocationChanged)
		}
	}
}
