package state

import (
	"context"
	"strings"
	"time"
)

const CursorKey = "cursor"

// Cursor is the persisted position of the change feed.
type Cursor struct {
	StreamID  string    `json:"streamId"`
	Position  string    `json:"position"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CursorStore struct {
	store Store
	now   func() time.Time
}

func NewCursorStore(store Store) *CursorStore {
	return &CursorStore{store: store, now: time.Now}
}

func (c *CursorStore) Load(ctx context.Context) (Cursor, bool, error) {
	var cursor Cursor
	ok, err := LoadJSON(ctx, c.store, CursorKey, &cursor)
	if err != nil || !ok {
		return Cursor{}, false, err
	}
	return cursor, strings.TrimSpace(cursor.StreamID) != "", nil
}

// Advance stores position for streamID. Nothing is written when the stored
// position already equals position, or when a concurrent writer has already
// moved the same stream past it.
func (c *CursorStore) Advance(ctx context.Context, streamID, position string) (bool, error) {
	changed := false
	err := UpdateJSON(ctx, c.store, CursorKey, func(cursor *Cursor, exists bool) error {
		changed = false
		if exists && cursor.StreamID == streamID {
			if cursor.Position == position || positionBefore(position, cursor.Position) {
				return ErrNoChange
			}
		}
		*cursor = Cursor{StreamID: streamID, Position: position, UpdatedAt: c.now().UTC()}
		changed = true
		return nil
	})
	return changed, err
}

// Reset starts a new lineage, discarding whatever was stored.
func (c *CursorStore) Reset(ctx context.Context, streamID, position string) error {
	return UpdateJSON(ctx, c.store, CursorKey, func(cursor *Cursor, _ bool) error {
		*cursor = Cursor{StreamID: streamID, Position: position, UpdatedAt: c.now().UTC()}
		return nil
	})
}

// positionBefore reports whether a sorts strictly before b. Only decimal
// positions are comparable; anything else is treated as opaque.
func positionBefore(a, b string) bool {
	if !isDecimal(a) || !isDecimal(b) {
		return false
	}
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
