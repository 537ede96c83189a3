package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/domain/capacity"
)

const defaultNamespace = "hospitalwh"

// Event types published on the change channel.
const (
	EventPut   = "put"
	EventClear = "clear"
)

// Event is one alert change as published on the channel.
type Event struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Alert *capacity.Alert `json:"alert,omitempty"`
}

// RedisStore keeps alerts in one hash per deployment, field "DEPT|YYYY-MM-DD",
// and announces every change on a pub/sub channel.
type RedisStore struct {
	client  redis.UniversalClient
	hash    string
	channel string
	logger  zerolog.Logger
}

// Connect opens a client for a redis:// URL and checks it with PING.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore uses namespace to derive the hash and channel names.
func NewRedisStore(client redis.UniversalClient, namespace string, logger zerolog.Logger) *RedisStore {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &RedisStore{
		client:  client,
		hash:    namespace + ":alerts",
		channel: namespace + ":alerts:events",
		logger:  logger.With().Str("component", "alerts").Str("hash", namespace+":alerts").Logger(),
	}
}

// Channel returns the pub/sub channel carrying change events.
func (s *RedisStore) Channel() string { return s.channel }

func (s *RedisStore) Put(ctx context.Context, a capacity.Alert) error {
	key := a.Key().String()
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	event, err := json.Marshal(Event{Type: EventPut, Key: key, Alert: &a})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.hash, key, data)
		p.Publish(ctx, s.channel, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing alert %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, key capacity.AlertKey) error {
	k := key.String()
	n, err := s.client.HDel(ctx, s.hash, k).Result()
	if err != nil {
		return fmt.Errorf("clearing alert %s: %w", k, err)
	}
	if n == 0 {
		return nil
	}
	event, err := json.Marshal(Event{Type: EventClear, Key: k})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, event).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// List returns the stored alerts ordered by key. Undecodable fields are
// logged and left out.
func (s *RedisStore) List(ctx context.Context) ([]capacity.Alert, error) {
	fields, err := s.client.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	out := make([]capacity.Alert, 0, len(fields))
	for k, v := range fields {
		var a capacity.Alert
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			s.logger.Warn().Err(err).Str("key", k).Msg("skipping undecodable alert")
			continue
		}
		out = append(out, a)
	}
	sortAlerts(out)
	return out, nil
}

// Subscribe streams change events until ctx is done. Events that do not
// decode are dropped.
func (s *RedisStore) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", s.channel, err)
	}

	out := make(chan Event, 100)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn().Err(err).Msg("dropping undecodable alert event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
