package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "canvas:changes:"

// RedisFeed carries change notices between processes over Redis pub/sub.
type RedisFeed struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisFeed connects to redisURL and verifies the connection.
func NewRedisFeed(redisURL string, logger *zap.Logger) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisFeedWithClient(client, logger), nil
}

// NewRedisFeedWithClient builds a feed from an existing client.
func NewRedisFeedWithClient(client *redis.Client, logger *zap.Logger) *RedisFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, prefix: redisChannelPrefix, logger: logger}
}

func (f *RedisFeed) channel(canvasID string) string {
	return f.prefix + canvasID
}

// Publish sends the notice on the canvas channel.
func (f *RedisFeed) Publish(ctx context.Context, notice Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(notice.CanvasID), payload).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Subscribe confirms the subscription with Redis before returning, so no notice published
// afterwards is missed.
func (f *RedisFeed) Subscribe(ctx context.Context, canvasID string) (<-chan Notice, func(), error) {
	subscriptionCtx, cancel := context.WithCancel(ctx)
	pubsub := f.client.Subscribe(subscriptionCtx, f.channel(canvasID))
	if _, err := pubsub.Receive(subscriptionCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", canvasID, err)
	}

	stream := make(chan Notice, 1)
	go func() {
		defer close(stream)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var notice Notice
				if err := json.Unmarshal([]byte(message.Payload), &notice); err != nil {
					f.logger.Warn("discarding malformed change notice",
						zap.String("canvas_id", canvasID),
						zap.Error(err))
					continue
				}
				offerLatest(stream, notice)
			}
		}
	}()
	return stream, cancel, nil
}

// Ping checks connectivity.
func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close releases the client.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}
