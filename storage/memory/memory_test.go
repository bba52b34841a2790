package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glyphnet/glyphnet/fedid"
	"github.com/glyphnet/glyphnet/storage"
)

func TestPutGetDelete(t *testing.T) {
	s, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
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
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if err := s.Delete(ctx, storage.KindMessage, id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, storage.KindMessage, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("after delete: got %v, want ErrNotFound", err)
	}
	// Deleting an absent record is not an error.
	if err := s.Delete(ctx, storage.KindMessage, id); err != nil {
		t.Fatal(err)
	}
}

func TestGetMissReturnsNotFound(t *testing.T) {
	s, _ := New(0)
	t.Cleanup(func() { _ = s.Close() })
	_, err := s.Get(context.Background(), storage.KindServer, fedid.New("a", "nope"))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestKindsPartitionIdentifiers(t *testing.T) {
	s, _ := New(0)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	id := fedid.New("alpha.example.org", "same")
	if err := s.Put(ctx, &storage.Record{ID: id, Kind: storage.KindServer, Data: []byte("s")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, storage.KindChannel, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cross-kind read: got %v, want ErrNotFound", err)
	}
}

func TestPutPreservesCreatedAt(t *testing.T) {
	s, _ := New(0)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	id := fedid.New("alpha.example.org", "m1")
	if err := s.Put(ctx, &storage.Record{ID: id, Kind: storage.KindMessage, Data: []byte("v1")}); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Get(ctx, storage.KindMessage, id)

	time.Sleep(5 * time.Millisecond)
	if err := s.Put(ctx, &storage.Record{ID: id, Kind: storage.KindMessage, Data: []byte("v2")}); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Get(ctx, storage.KindMessage, id)
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("update changed CreatedAt")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("update did not advance UpdatedAt")
	}
	if string(second.Data) != "v2" {
		t.Errorf("data = %s", second.Data)
	}
}

func TestListChildrenOldestFirst(t *testing.T) {
	s, _ := New(0)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	parent := fedid.New("alpha.example.org", "ch1")
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		rec := &storage.Record{
			ID:        fedid.New("alpha.example.org", fmt.Sprintf("m%d", i)),
			Kind:      storage.KindMessage,
			Parent:    &parent,
			Data:      []byte(fmt.Sprintf("%d", i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.ListChildren(ctx, storage.KindMessage, parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d children, want 5", len(recs))
	}
	for i, rec := range recs {
		if string(rec.Data) != fmt.Sprintf("%d", i) {
			t.Errorf("position %d holds %s", i, rec.Data)
		}
	}

	other := fedid.New("alpha.example.org", "ch2")
	recs, err = s.ListChildren(ctx, storage.KindMessage, other)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("unrelated parent has %d children", len(recs))
	}
}

func TestEvictionDropsChildIndex(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	parent := fedid.New("alpha.example.org", "ch1")
	for i := 0; i < 3; i++ {
		rec := &storage.Record{
			ID:     fedid.New("alpha.example.org", fmt.Sprintf("m%d", i)),
			Kind:   storage.KindMessage,
			Parent: &parent,
			Data:   []byte("x"),
		}
		if err := s.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	// The oldest record was evicted; the child listing must not reference
	// it anymore.
	recs, err := s.ListChildren(ctx, storage.KindMessage, parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d children after eviction, want 2", len(recs))
	}
	if _, err := s.Get(ctx, storage.KindMessage, fedid.New("alpha.example.org", "m0")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("evicted record still readable: %v", err)
	}
}

func TestDataIsolation(t *testing.T) {
	s, _ := New(0)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	id := fedid.New("alpha.example.org", "m1")
	data := []byte("original")
	if err := s.Put(ctx, &storage.Record{ID: id, Kind: storage.KindMessage, Data: data}); err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'

	rec, err := s.Get(ctx, storage.KindMessage, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Data) != "original" {
		t.Errorf("caller mutation leaked into store: %s", rec.Data)
	}
	rec.Data[0] = 'Y'
	again, _ := s.Get(ctx, storage.KindMessage, id)
	if string(again.Data) != "original" {
		t.Errorf("returned slice aliases stored data: %s", again.Data)
	}
}
