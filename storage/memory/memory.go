// Package memory provides an in-memory implementation of the storage
// interface using github.com/hashicorp/golang-lru/v2. Suitable for tests and
// single-node development hosts; eviction under pressure drops the oldest
// records.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/storage"
)

// DefaultMaxRecords bounds the cache when no size is given.
const DefaultMaxRecords = 65536

// Store implements storage.Store in process memory.
type Store struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *storage.Record]
	children map[string]map[string]struct{}
}

// New creates an in-memory store holding at most maxRecords records; pass 0
// for the default bound.
func New(maxRecords int) (*Store, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	s := &Store{children: make(map[string]map[string]struct{})}
	cache, err := lru.NewWithEvict[string, *storage.Record](maxRecords, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// onEvict keeps the children index consistent when the LRU drops a record.
// Called with s.mu held (all cache mutations happen under it).
func (s *Store) onEvict(key string, rec *storage.Record) {
	if rec.Parent == nil {
		return
	}
	pk := parentKey(rec.Kind, *rec.Parent)
	if set, ok := s.children[pk]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(s.children, pk)
		}
	}
}

func (s *Store) Put(ctx context.Context, rec *storage.Record) error {
	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()

	key := recordKey(cp.Kind, cp.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.cache.Get(key); ok {
		cp.CreatedAt = prev.CreatedAt
		s.onEvict(key, prev)
	}
	s.cache.Add(key, &cp)
	if cp.Parent != nil {
		pk := parentKey(cp.Kind, *cp.Parent)
		if s.children[pk] == nil {
			s.children[pk] = make(map[string]struct{})
		}
		s.children[pk][key] = struct{}{}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, kind storage.Kind, id fedid.ID) (*storage.Record, error) {
	s.mu.Lock()
	rec, ok := s.cache.Get(recordKey(kind, id))
	s.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)
	return &cp, nil
}

func (s *Store) Delete(ctx context.Context, kind storage.Kind, id fedid.ID) error {
	key := recordKey(kind, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.cache.Get(key); ok {
		s.onEvict(key, rec)
		s.cache.Remove(key)
	}
	return nil
}

func (s *Store) ListChildren(ctx context.Context, kind storage.Kind, parent fedid.ID) ([]*storage.Record, error) {
	pk := parentKey(kind, parent)
	s.mu.Lock()
	keys := make([]string, 0, len(s.children[pk]))
	for key := range s.children[pk] {
		keys = append(keys, key)
	}
	out := make([]*storage.Record, 0, len(keys))
	for _, key := range keys {
		if rec, ok := s.cache.Get(key); ok {
			cp := *rec
			cp.Data = append([]byte(nil), rec.Data...)
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	s.children = make(map[string]map[string]struct{})
	return nil
}

func recordKey(kind storage.Kind, id fedid.ID) string {
	return string(kind) + "|" + id.Host + "|" + id.Local
}

func parentKey(kind storage.Kind, parent fedid.ID) string {
	return string(kind) + "|children|" + parent.Host + "|" + parent.Local
}
