package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Nzyazin/ledger/internal/core/logger"
	"github.com/Nzyazin/ledger/internal/core/models"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "ledger:events"

type envelope struct {
	UserID string             `json:"user_id"`
	Event  models.WalletEvent `json:"event"`
}

// RedisPublisher sends events to every instance through a Redis channel.
// Local subscribers receive them back through RedisRelay like everyone else.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	local   *Hub
	log     logger.Logger
}

func NewRedisPublisher(rdb *redis.Client, channel string, local *Hub, log logger.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel, local: local, log: log}
}

// Publish falls back to local delivery when Redis is unreachable and still
// reports the failure.
func (p *RedisPublisher) Publish(ctx context.Context, userID string, event models.WalletEvent) error {
	payload, err := json.Marshal(envelope{UserID: userID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		if localErr := p.local.Publish(ctx, userID, event); localErr != nil {
			p.log.Warn("Local event delivery failed", logger.ErrorField("error", localErr))
		}
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// RedisRelay feeds events published by any instance into the local hub.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	log     logger.Logger
}

func NewRedisRelay(rdb *redis.Client, channel string, hub *Hub, log logger.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{rdb: rdb, channel: channel, hub: hub, log: log}
}

// Run subscribes and relays until ctx is done. A failed subscription is
// returned immediately.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info("Event relay subscribed", logger.StringField("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Event relay stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("Malformed relayed event", logger.ErrorField("error", err))
				continue
			}
			if err := r.hub.Publish(ctx, env.UserID, env.Event); err != nil {
				r.log.Warn("Relayed event not delivered", logger.ErrorField("error", err))
			}
		}
	}
}
