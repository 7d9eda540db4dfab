package trace

import (
	"context"
	"encoding/json"

	redisWrapper "github.com/lumenflow/conductor/common/redis"

	"github.com/lumenflow/conductor/common/models"
)

// Relay publishes workflow events to a Redis channel so out-of-process
// fanout services can forward them to clients. Delivery is best effort;
// relay failures never fail an apply.
type Relay struct {
	redis   *redisWrapper.Client
	channel string
	logger  Logger
}

// NewRelay creates a relay. A nil redis client disables relaying.
func NewRelay(redis *redisWrapper.Client, channel string, logger Logger) *Relay {
	return &Relay{redis: redis, channel: channel, logger: logger}
}

// Publish forwards workflow events to the configured channel
func (r *Relay) Publish(ctx context.Context, events []models.WorkflowEvent) {
	if r == nil || r.redis == nil {
		return
	}

	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error("marshal workflow event for relay", "error", err)
			continue
		}
		if err := r.redis.PublishEvent(ctx, r.channel, string(raw)); err != nil {
			r.logger.Warn("workflow event relay failed",
				"run_id", ev.RunID,
				"type", string(ev.Type),
				"error", err)
		}
	}
}
