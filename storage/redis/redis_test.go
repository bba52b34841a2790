package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	s, err := New(Config{Client: client, KeyPrefix: "glyphnet-test:"})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRedisPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := fedid.New("alpha.example.org", "m1")
	if err := s.Put(ctx, &storage.Record{ID: id, Kind: storage.KindMessage, Data: []byte(`{"body":"hi"}`)}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Get(ctx, storage.KindMessage, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Data) != `{"body":"hi"}` {
		t.Errorf("data = %s", rec.Data)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if err := s.Delete(ctx, storage.KindMessage, id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, storage.KindMessage, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, storage.KindMessage, id); err != nil {
		t.Fatalf("deleting absent record: %v", err)
	}
}

func TestRedisPutPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := fedid.New("alpha.example.org", "m1")
	if err := s.Put(ctx, &storage.Record{ID: id, Kind: storage.KindMessage, Data: []byte("v1")}); err != nil {
		t.Fatal(err)
	}
	first, err := s.Get(ctx, storage.KindMessage, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, &storage.Record{ID: id, Kind: storage.KindMessage, Data: []byte("v2")}); err != nil {
		t.Fatal(err)
	}
	second, err := s.Get(ctx, storage.KindMessage, id)
	if err != nil {
		t.Fatal(err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("update changed CreatedAt")
	}
	if string(second.Data) != "v2" {
		t.Errorf("data = %s", second.Data)
	}
}

func TestRedisListChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := fedid.New("alpha.example.org", "ch1")
	for i := 0; i < 3; i++ {
		rec := &storage.Record{
			ID:     fedid.New("alpha.example.org", fmt.Sprintf("m%d", i)),
			Kind:   storage.KindMessage,
			Parent: &parent,
			Data:   []byte(fmt.Sprintf("%d", i)),
		}
		if err := s.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.ListChildren(ctx, storage.KindMessage, parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d children, want 3", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].CreatedAt.Before(recs[i-1].CreatedAt) {
			t.Error("children not ordered oldest first")
		}
	}

	// Deleting a child removes it from the parent's listing.
	if err := s.Delete(ctx, storage.KindMessage, recs[0].ID); err != nil {
		t.Fatal(err)
	}
	recs, err = s.ListChildren(ctx, storage.KindMessage, parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d children after delete, want 2", len(recs))
	}
}

func TestRedisOpenRejectsBadDSN(t *testing.T) {
	if _, err := Open(context.Background(), "not-a-dsn"); err == nil {
		t.Fatal("malformed DSN should fail")
	}
}
