package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestFileStoreGetMissingKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if _, err := store.Get(context.Background(), "cursor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreRejectsUnsafeKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, key := range []string{"", "../escape", "a/b", "Upper"} {
		if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for key %q, got %v", key, err)
		}
	}
}

func TestFileStoreNoChangeLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	if err := store.Update(ctx, "cursor", func([]byte) ([]byte, error) { return []byte(`"v1"`), nil }); err != nil {
		t.Fatalf("initial update failed: %v", err)
	}
	before, err := os.Stat(filepath.Join(dir, "cursor.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := store.Update(ctx, "cursor", func([]byte) ([]byte, error) { return nil, ErrNoChange }); err != nil {
		t.Fatalf("no-change update returned error: %v", err)
	}
	after, err := os.Stat(filepath.Join(dir, "cursor.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatalf("expected file to be left untouched")
	}
}

func TestFileStoreConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	const writers = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, "counter", func(current []byte) ([]byte, error) {
				n := 0
				if len(current) > 0 {
					parsed, err := strconv.Atoi(string(current))
					if err != nil {
						return nil, err
					}
					n = parsed
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			if err != nil {
				t.Errorf("update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	data, err := store.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if string(data) != strconv.Itoa(writers) {
		t.Fatalf("expected counter %d, got %s", writers, data)
	}
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "nested", "ordersync.db"))
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Get(ctx, "cursor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Update(ctx, "cursor", func(current []byte) ([]byte, error) {
		if current != nil {
			t.Fatalf("expected nil current value, got %s", current)
		}
		return []byte(`{"position":"7"}`), nil
	}); err != nil {
		t.Fatalf("bolt update failed: %v", err)
	}
	if err := store.Update(ctx, "cursor", func([]byte) ([]byte, error) { return nil, ErrNoChange }); err != nil {
		t.Fatalf("bolt no-change update failed: %v", err)
	}
	data, err := store.Get(ctx, "cursor")
	if err != nil {
		t.Fatalf("bolt get failed: %v", err)
	}
	if string(data) != `{"position":"7"}` {
		t.Fatalf("unexpected bolt payload %s", data)
	}
}
