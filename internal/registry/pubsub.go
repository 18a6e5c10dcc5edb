package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/drjjw/docutrain-sub002/internal/config"
)

// invalidationEvent is broadcast on refresh so sibling processes know to
// reload their own snapshot instead of waiting for the next timer tick.
type invalidationEvent struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

const invalidationChannel = "docutrain:registry:invalidate"

// invalidationBus fans registry refresh requests out across processes via
// Redis Pub/Sub. A nil *invalidationBus is valid and simply makes
// Publish/Subscribe no-ops, so single-process deployments don't need Redis.
type invalidationBus struct {
	client redis.UniversalClient
}

func newInvalidationBus(cfg config.RedisConfig) (*invalidationBus, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSInsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &invalidationBus{client: client}, nil
}

func (b *invalidationBus) publish(ctx context.Context, requestedBy string) {
	if b == nil {
		return
	}
	data, err := json.Marshal(invalidationEvent{RequestedBy: requestedBy})
	if err != nil {
		log.Warn().Err(err).Msg("registry_invalidation_marshal_failed")
		return
	}
	if err := b.client.Publish(ctx, invalidationChannel, data).Err(); err != nil {
		log.Warn().Err(err).Msg("registry_invalidation_publish_failed")
	}
}

// subscribe returns a channel of invalidation events and a cancel func. A
// nil bus returns a channel that is never written to.
func (b *invalidationBus) subscribe(ctx context.Context) (<-chan invalidationEvent, func()) {
	ch := make(chan invalidationEvent, 1)
	if b == nil {
		return ch, func() { close(ch) }
	}
	sub := b.client.Subscribe(ctx, invalidationChannel)
	go func() {
		for msg := range sub.Channel() {
			var ev invalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("registry_invalidation_decode_failed")
				continue
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}()
	cancel := func() {
		_ = sub.Close()
		close(ch)
	}
	return ch, cancel
}
