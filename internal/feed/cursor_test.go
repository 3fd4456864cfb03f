package feed

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/state"
)

type fakeStreamAPI struct {
	streams     map[string]source.Stream
	events      map[string][]source.Event
	getErr      error
	created     []string
	fetchedFrom []string
}

func newFakeStreamAPI() *fakeStreamAPI {
	return &fakeStreamAPI{streams: map[string]source.Stream{}, events: map[string][]source.Event{}}
}

func (f *fakeStreamAPI) GetStream(_ context.Context, id string) (source.Stream, error) {
	if f.getErr != nil {
		return source.Stream{}, f.getErr
	}
	stream, ok := f.streams[id]
	if !ok {
		return source.Stream{}, fmt.Errorf("%w: %s", source.ErrStreamNotFound, id)
	}
	return stream, nil
}

func (f *fakeStreamAPI) CreateStream(_ context.Context, req source.StreamRequest) (source.Stream, error) {
	f.created = append(f.created, req.ID)
	stream := source.Stream{ID: req.ID, Partitions: []source.Partition{{PartitionID: 0, Position: "900"}}}
	f.streams[req.ID] = stream
	return stream, nil
}

func (f *fakeStreamAPI) GetEvents(_ context.Context, streamID string, _ int, position string) ([]source.Event, error) {
	f.fetchedFrom = append(f.fetchedFrom, position)
	return f.events[position], nil
}

func TestPollAdvancesToLastEventOfUnfilteredBatch(t *testing.T) {
	ctx := context.Background()
	api := newFakeStreamAPI()
	api.streams["orders"] = source.Stream{ID: "orders"}
	api.events["100"] = []source.Event{
		{ID: "101", Reasons: []string{"create"}, ObjectID: "X1"},
		{ID: "102", Reasons: []string{"update"}, ObjectID: "X1"},
	}
	cursors := state.NewCursorStore(state.NewMemoryStore())
	if err := cursors.Reset(ctx, "orders", "100"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	feed := New(api, cursors, Options{StreamName: "orders"})
	result, err := feed.Poll(ctx, []string{"create"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !reflect.DeepEqual(result.ObjectIDs, []string{"X1"}) {
		t.Fatalf("expected matched ids [X1], got %v", result.ObjectIDs)
	}
	if result.Matched != 1 || result.Skipped != 1 {
		t.Fatalf("expected 1 matched and 1 skipped, got %+v", result)
	}
	stored, _, _ := cursors.Load(ctx)
	if stored.Position != "102" {
		t.Fatalf("expected cursor 102, got %q", stored.Position)
	}
	if feed.State() != Active {
		t.Fatalf("expected active cursor, got %s", feed.State())
	}
}

func TestPollWithoutNewEventsIsNoOp(t *testing.T) {
	ctx := context.Background()
	api := newFakeStreamAPI()
	api.streams["orders"] = source.Stream{ID: "orders"}
	cursors := state.NewCursorStore(state.NewMemoryStore())
	if err := cursors.Reset(ctx, "orders", "250"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	before, _, _ := cursors.Load(ctx)

	feed := New(api, cursors, Options{StreamName: "orders"})
	for i := 0; i < 2; i++ {
		result, err := feed.Poll(ctx, []string{"create"})
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if result.Advanced || len(result.Events) != 0 {
			t.Fatalf("expected no-op poll, got %+v", result)
		}
	}
	after, _, _ := cursors.Load(ctx)
	if after != before {
		t.Fatalf("expected cursor unchanged, before=%+v after=%+v", before, after)
	}
}

func TestInitRecreatesVanishedStreamAtTail(t *testing.T) {
	ctx := context.Background()
	api := newFakeStreamAPI()
	cursors := state.NewCursorStore(state.NewMemoryStore())
	if err := cursors.Reset(ctx, "stale-stream", "42"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	feed := New(api, cursors, Options{StreamName: "orders"})
	if err := feed.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(api.created) != 1 || api.created[0] != "orders" {
		t.Fatalf("expected new stream creation, got %v", api.created)
	}
	stored, _, _ := cursors.Load(ctx)
	if stored.StreamID != "orders" || stored.Position != "900" {
		t.Fatalf("expected cursor at new stream tail, got %+v", stored)
	}

	if _, err := feed.Poll(ctx, nil); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if api.fetchedFrom[0] != "900" {
		t.Fatalf("expected fetch from tail 900, got %v", api.fetchedFrom)
	}
}

func TestInitFailsWithoutRecreatingOnTransientVerificationError(t *testing.T) {
	ctx := context.Background()
	api := newFakeStreamAPI()
	api.getErr = errors.New("connection refused")
	cursors := state.NewCursorStore(state.NewMemoryStore())
	if err := cursors.Reset(ctx, "orders", "42"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	feed := New(api, cursors, Options{StreamName: "orders"})
	if err := feed.Init(ctx); err == nil {
		t.Fatalf("expected init error")
	}
	if len(api.created) != 0 {
		t.Fatalf("expected no stream creation, got %v", api.created)
	}
	if feed.State() != Uninitialized {
		t.Fatalf("expected uninitialized after failure, got %s", feed.State())
	}
}

func TestPollUsesSentinelWhenNoPositionKnown(t *testing.T) {
	ctx := context.Background()
	api := newFakeStreamAPI()
	api.streams["orders"] = source.Stream{ID: "orders"}
	api.events[StartPosition] = []source.Event{
		{ID: "1", Reasons: []string{"create"}, ObjectID: "A"},
		{ID: "2", Reasons: []string{"create"}, ObjectID: "A"},
		{ID: "3", Reasons: []string{"create"}, ObjectID: "B"},
	}
	cursors := state.NewCursorStore(state.NewMemoryStore())
	feed := New(api, cursors, Options{StreamName: "orders"})

	result, err := feed.Poll(ctx, []string{"CREATE"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !reflect.DeepEqual(result.ObjectIDs, []string{"A", "B"}) {
		t.Fatalf("expected deduplicated [A B], got %v", result.ObjectIDs)
	}
	if result.From != StartPosition || result.To != "3" {
		t.Fatalf("expected 0 -> 3, got %s -> %s", result.From, result.To)
	}
}

func TestResetToTail(t *testing.T) {
	ctx := context.Background()
	api := newFakeStreamAPI()
	api.streams["orders"] = source.Stream{ID: "orders", Partitions: []source.Partition{{PartitionID: 0, Position: "777"}}}
	cursors := state.NewCursorStore(state.NewMemoryStore())
	if err := cursors.Reset(ctx, "orders", "5"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	feed := New(api, cursors, Options{StreamName: "orders"})
	cursor, err := feed.ResetToTail(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if cursor.Position != "777" {
		t.Fatalf("expected tail 777, got %+v", cursor)
	}
}
