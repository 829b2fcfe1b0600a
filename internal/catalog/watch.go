package catalog

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel authoring tools publish to after
// editing the catalog.
const DefaultChannel = "rtpc:catalog"

// Watch calls reload for every message on msgs until ctx is done or
// msgs closes. Reload failures are logged and the old catalog stays.
// msgs is normally (*redis.PubSub).Channel().
func Watch(ctx context.Context, msgs <-chan *redis.Message, reload func(context.Context) error, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			logger.Info("catalog change notification", "channel", msg.Channel, "payload", msg.Payload)
			if err := reload(ctx); err != nil {
				logger.Error("catalog reload failed", "error", err)
			}
		}
	}
}
