package events

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
)

const bridgeBuffer = 256

// RedisBridge mirrors events over redis pub/sub. Best-effort: a dropped
// connection loses in-flight messages, there is no replay.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger
}

var _ domain.PubSubBridge = (*RedisBridge)(nil)

// NewRedisBridge builds a bridge over an existing redis client. Returns nil
// when the client is nil so single-process deployments wire nothing.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if client == nil {
		return nil
	}
	return &RedisBridge{client: client, logger: logger}
}

func (b *RedisBridge) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a redis subscription on the given channels. The returned
// stop function closes the subscription and, eventually, the stream.
func (b *RedisBridge) Subscribe(ctx context.Context, channels ...string) (<-chan domain.BridgeMessage, func(), error) {
	ps := b.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan domain.BridgeMessage, bridgeBuffer)
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			select {
			case out <- domain.BridgeMessage{Channel: m.Channel, Payload: []byte(m.Payload)}:
			default:
				b.logger.Warn("bridge stream full, dropping message",
					zap.String("channel", m.Channel))
			}
		}
	}()

	stop := func() {
		if err := ps.Close(); err != nil {
			b.logger.Warn("close bridge subscription", zap.Error(err))
		}
	}
	return out, stop, nil
}
