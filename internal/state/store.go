package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNotFound     = errors.New("state key not found")
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoChange may be returned by an UpdateFunc to leave the stored value
	// untouched. Update then returns nil.
	ErrNoChange = errors.New("no change")
)

// UpdateFunc receives the currently stored value (nil when the key is absent)
// and returns the value to store. It may run more than once for a single
// Update call on optimistic backends, so it must not have side effects.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a small key-value abstraction whose Update is an atomic
// read-modify-write with respect to every other Update on the same key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: state key %q", ErrInvalidInput, key)
	}
	return nil
}

// LoadJSON decodes the value stored at key into out. It reports false when the
// key does not exist.
func LoadJSON[T any](ctx context.Context, s Store, key string, out *T) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode state %s: %w", key, err)
	}
	return true, nil
}

// UpdateJSON runs fn against the decoded value at key inside the store's
// atomic update and writes the result back as JSON.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(value *T, exists bool) error) error {
	return s.Update(ctx, key, func(current []byte) ([]byte, error) {
		var value T
		exists := len(current) > 0
		if exists {
			if err := json.Unmarshal(current, &value); err != nil {
				return nil, fmt.Errorf("decode state %s: %w", key, err)
			}
		}
		if err := fn(&value, exists); err != nil {
			return nil, err
		}
		return json.Marshal(value)
	})
}
