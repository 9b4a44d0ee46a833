// Package redis is a session.Store backed by Redis, for shards that run in
// several processes or move between hosts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/risa-org/gateway/session"
)

// DefaultPrefix is prepended to every session key.
const DefaultPrefix = "gateway:session:"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store keeps each shard's session as a JSON string value.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithPrefix sets the key prefix. Default: DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires stored sessions after ttl. The server forgets a session a
// few minutes after its connection drops, so a stale key is useless anyway.
// Zero keeps keys until deleted.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New wraps an existing client. The caller owns the client and closes it.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Load(ctx context.Context, key string) (session.State, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return session.State{}, false, nil
	}
	if err != nil {
		return session.State{}, false, fmt.Errorf("redis load %s: %w", key, err)
	}

	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		return session.State{}, false, fmt.Errorf("redis load %s: %w", key, err)
	}
	return st, true, nil
}

func (s *Store) Save(ctx context.Context, key string, st session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}
