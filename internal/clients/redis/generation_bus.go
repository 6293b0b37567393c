package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lumenlearn/lumen-backend/internal/logger"
)

// GenerationEvent is one progress notification from the generation
// pipeline. Presentation collaborators subscribe to render "material is
// being prepared" state without polling the cache table.
type GenerationEvent struct {
	Event        string         `json:"event"` // generation_started|node_completed|node_failed|generation_finished
	CurriculumID string         `json:"curriculum_id"`
	NodeID       string         `json:"node_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type GenerationBus interface {
	Publish(ctx context.Context, ev GenerationEvent) error
	StartForwarder(ctx context.Context, onEvent func(ev GenerationEvent)) error
	Close() error
}

type generationBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewGenerationBus(log *logger.Logger) (GenerationBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_GENERATION_CHANNEL"))
	if ch == "" {
		ch = "generation"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &generationBus{
		log:     log.With("service", "RedisGenerationBus"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (b *generationBus) Publish(ctx context.Context, ev GenerationEvent) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("generation bus not initialized")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *generationBus) StartForwarder(ctx context.Context, onEvent func(ev GenerationEvent)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("generation bus not initialized")
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev GenerationEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad generation event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

func (b *generationBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
