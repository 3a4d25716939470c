// Package redisbus — вспомогательные механизмы движка поверх Redis:
// публикация событий о ходе выполнения через pub/sub и отсечение повторных callback'ов.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/Edgewalker/internal/domain"
)

const (
	defaultPrefix   = "edgewalker:"
	defaultDedupTTL = 24 * time.Hour
)

// Bus публикует события в Redis и хранит ключи обработанных callback'ов.
//
// События публикуются в два канала: общий "{prefix}events" и канал run
// "{prefix}run:{id}", на который подписываются наблюдатели одного run.
type Bus struct {
	client   *redis.Client
	prefix   string
	dedupTTL time.Duration
}

// Option настраивает Bus.
type Option func(*Bus)

// WithPrefix задаёт префикс ключей и каналов.
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		b.prefix = prefix
	}
}

// WithDedupTTL задаёт, сколько хранится ключ обработанного callback'а.
func WithDedupTTL(ttl time.Duration) Option {
	return func(b *Bus) {
		b.dedupTTL = ttl
	}
}

// New создаёт Bus поверх клиента.
func New(client *redis.Client, opts ...Option) *Bus {
	b := &Bus{
		client:   client,
		prefix:   defaultPrefix,
		dedupTTL: defaultDedupTTL,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect подключается к Redis по URL ("redis://localhost:6379/0") и проверяет соединение.
func Connect(ctx context.Context, url string, opts ...Option) (*Bus, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts...), nil
}

// Close закрывает клиент.
func (b *Bus) Close() error {
	return b.client.Close()
}

// --- Events ---

func (b *Bus) eventsChannel() string {
	return b.prefix + "events"
}

func (b *Bus) runChannel(runID uuid.UUID) string {
	return b.prefix + "run:" + runID.String()
}

// Publish публикует событие.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Publish(ctx, b.eventsChannel(), data)
	pipe.Publish(ctx, b.runChannel(event.RunID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe подписывается на события одного run (uuid.Nil — на все события).
// Канал закрывается, когда отменён ctx.
func (b *Bus) Subscribe(ctx context.Context, runID uuid.UUID) (<-chan domain.Event, error) {
	channel := b.eventsChannel()
	if runID != uuid.Nil {
		channel = b.runChannel(runID)
	}

	sub := b.client.Subscribe(ctx, channel)
	// Ждём подтверждения подписки, чтобы не потерять события, опубликованные сразу после вызова.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// --- Dedup ---

func (b *Bus) dedupKey(key string) string {
	return b.prefix + "callback:" + key
}

// Seen проверяет, обработан ли callback с ключом key.
func (b *Bus) Seen(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.dedupKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check callback key: %w", err)
	}
	return n > 0, nil
}

// Mark запоминает обработанный callback на dedupTTL.
func (b *Bus) Mark(ctx context.Context, key string) error {
	if err := b.client.SetNX(ctx, b.dedupKey(key), 1, b.dedupTTL).Err(); err != nil {
		return fmt.Errorf("mark callback key: %w", err)
	}
	return nil
}
