// Package redis provides a Redis-backed implementation of the storage.Store
// interface. Records are stored as JSON values; parent/child relations are
// kept in Redis sets.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/storage"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix namespaces all keys written by this store.
	// Default: "glyphnet:".
	KeyPrefix string
}

// Store implements storage.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "glyphnet:"
	}
	return &Store{client: cfg.Client, keyPrefix: prefix}, nil
}

// Open connects to a redis:// DSN and returns a store over it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis DSN: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: client})
}

func (s *Store) Put(ctx context.Context, rec *storage.Record) error {
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = nowUTC()
	}
	cp.UpdatedAt = nowUTC()
	if prev, err := s.Get(ctx, cp.Kind, cp.ID); err == nil {
		cp.CreatedAt = prev.CreatedAt
	}

	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	key := s.recordKey(cp.Kind, cp.ID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, raw, 0)
	if cp.Parent != nil {
		pipe.SAdd(ctx, s.childrenKey(cp.Kind, *cp.Parent), key)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, kind storage.Kind, id fedid.ID) (*storage.Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec storage.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (s *Store) Delete(ctx context.Context, kind storage.Kind, id fedid.ID) error {
	rec, err := s.Get(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	key := s.recordKey(kind, id)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if rec.Parent != nil {
		pipe.SRem(ctx, s.childrenKey(kind, *rec.Parent), key)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) ListChildren(ctx context.Context, kind storage.Kind, parent fedid.ID) ([]*storage.Record, error) {
	keys, err := s.client.SMembers(ctx, s.childrenKey(kind, parent)).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Record, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // member evicted between SMembers and MGet
		}
		var rec storage.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) recordKey(kind storage.Kind, id fedid.ID) string {
	return fmt.Sprintf("%s%s:%s:%s", s.keyPrefix, kind, id.Host, id.Local)
}

func (s *Store) childrenKey(kind storage.Kind, parent fedid.ID) string {
	return fmt.Sprintf("%schildren:%s:%s:%s", s.keyPrefix, kind, parent.Host, parent.Local)
}

func nowUTC() time.Time { return time.Now().UTC() }

