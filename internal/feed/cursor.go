package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/state"
)

// StartPosition is used when neither a persisted nor a reported partition
// position exists.
const StartPosition = "0"

type State int

const (
	Uninitialized State = iota
	Initializing
	Active
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	default:
		return "uninitialized"
	}
}

// StreamAPI is the subset of the source client the cursor needs.
type StreamAPI interface {
	GetStream(ctx context.Context, id string) (source.Stream, error)
	CreateStream(ctx context.Context, req source.StreamRequest) (source.Stream, error)
	GetEvents(ctx context.Context, streamID string, partitionID int, position string) ([]source.Event, error)
}

type Options struct {
	StreamName  string
	PartitionID int
	Description string
	Query       map[string]any
	Logger      *zap.Logger
}

type PollResult struct {
	StreamID  string         `json:"streamId"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Events    []source.Event `json:"-"`
	ObjectIDs []string       `json:"objectIds,omitempty"`
	Fetched   int            `json:"fetched"`
	Matched   int            `json:"matched"`
	Skipped   int            `json:"skipped"`
	Advanced  bool           `json:"advanced"`
}

// Cursor consumes one partition of a source stream from a persisted position.
type Cursor struct {
	api         StreamAPI
	cursors     *state.CursorStore
	streamName  string
	partitionID int
	description string
	query       map[string]any
	logger      *zap.Logger

	mu                sync.Mutex
	state             State
	streamID          string
	partitionPosition string
}

func New(api StreamAPI, cursors *state.CursorStore, opts Options) *Cursor {
	name := strings.TrimSpace(opts.StreamName)
	if name == "" {
		name = "ordersync"
	}
	return &Cursor{
		api:         api,
		cursors:     cursors,
		streamName:  name,
		partitionID: opts.PartitionID,
		description: opts.Description,
		query:       opts.Query,
		logger:      logging.OrNop(opts.Logger).Named("feed"),
	}
}

func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cursor) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// Init resolves the stream to consume. A persisted stream that no longer
// exists remotely is replaced by a new one whose partition tail becomes the
// stored position; history before that point is not replayed.
func (c *Cursor) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked(ctx)
}

func (c *Cursor) initLocked(ctx context.Context) error {
	c.state = Initializing
	stream, err := c.resolveStreamLocked(ctx)
	if err != nil {
		c.state = Uninitialized
		return err
	}
	c.streamID = stream.ID
	c.partitionPosition = stream.PartitionPosition(c.partitionID)
	c.state = Active
	return nil
}

func (c *Cursor) resolveStreamLocked(ctx context.Context) (source.Stream, error) {
	persisted, ok, err := c.cursors.Load(ctx)
	if err != nil {
		return source.Stream{}, fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		return c.fetchOrCreateLocked(ctx)
	}

	stream, err := c.api.GetStream(ctx, persisted.StreamID)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, source.ErrStreamNotFound) {
		return source.Stream{}, fmt.Errorf("verify stream %s: %w", persisted.StreamID, err)
	}

	c.logger.Warn("persisted stream no longer exists, creating a new one",
		zap.String("stream_id", persisted.StreamID),
		zap.String("position", persisted.Position),
	)
	stream, err = c.fetchOrCreateLocked(ctx)
	if err != nil {
		return source.Stream{}, err
	}
	if err := c.cursors.Reset(ctx, stream.ID, stream.PartitionPosition(c.partitionID)); err != nil {
		return source.Stream{}, fmt.Errorf("reset cursor: %w", err)
	}
	return stream, nil
}

func (c *Cursor) fetchOrCreateLocked(ctx context.Context) (source.Stream, error) {
	stream, err := c.api.GetStream(ctx, c.streamName)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, source.ErrStreamNotFound) {
		return source.Stream{}, fmt.Errorf("fetch stream %s: %w", c.streamName, err)
	}
	stream, err = c.api.CreateStream(ctx, source.StreamRequest{
		ID:          c.streamName,
		Description: c.description,
		ObjectType:  "order",
		Query:       c.query,
	})
	if err != nil {
		return source.Stream{}, fmt.Errorf("create stream %s: %w", c.streamName, err)
	}
	c.logger.Info("stream ready", zap.String("stream_id", stream.ID), zap.String("position", stream.PartitionPosition(c.partitionID)))
	return stream, nil
}

// Poll fetches the next batch and returns the events whose reasons intersect
// reasons. The stored position moves to the last event of the whole batch,
// matched or not.
func (c *Cursor) Poll(ctx context.Context, reasons []string) (PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		if err := c.initLocked(ctx); err != nil {
			return PollResult{}, err
		}
	}

	start, err := c.startPositionLocked(ctx)
	if err != nil {
		return PollResult{}, err
	}
	result := PollResult{StreamID: c.streamID, From: start, To: start}

	events, err := c.api.GetEvents(ctx, c.streamID, c.partitionID, start)
	if err != nil {
		if errors.Is(err, source.ErrStreamNotFound) {
			c.state = Uninitialized
		}
		return result, fmt.Errorf("fetch events from %s: %w", start, err)
	}
	result.Fetched = len(events)

	filter := reasonSet(reasons)
	seen := make(map[string]struct{})
	for _, event := range events {
		if !event.HasReason(filter) {
			result.Skipped++
			continue
		}
		result.Matched++
		result.Events = append(result.Events, event)
		id := strings.TrimSpace(event.ObjectID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result.ObjectIDs = append(result.ObjectIDs, id)
	}
	metrics.FeedEventsTotal.WithLabelValues("matched").Add(float64(result.Matched))
	metrics.FeedEventsTotal.WithLabelValues("skipped").Add(float64(result.Skipped))

	if len(events) > 0 {
		last := strings.TrimSpace(events[len(events)-1].ID)
		if last != "" && last != start {
			advanced, err := c.cursors.Advance(ctx, c.streamID, last)
			if err != nil {
				return result, fmt.Errorf("advance cursor to %s: %w", last, err)
			}
			result.Advanced = advanced
			result.To = last
		}
	}

	if result.Fetched > 0 {
		c.logger.Info("polled change feed",
			zap.String("stream_id", c.streamID),
			zap.String("from", result.From),
			zap.String("to", result.To),
			zap.Int("fetched", result.Fetched),
			zap.Int("matched", result.Matched),
			zap.Int("skipped", result.Skipped),
		)
	}
	return result, nil
}

// ResetToTail discards the stored position and restarts at the stream's
// current partition tail.
func (c *Cursor) ResetToTail(ctx context.Context) (state.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stream, err := c.fetchOrCreateLocked(ctx)
	if err != nil {
		return state.Cursor{}, err
	}
	position := stream.PartitionPosition(c.partitionID)
	if err := c.cursors.Reset(ctx, stream.ID, position); err != nil {
		return state.Cursor{}, err
	}
	c.streamID = stream.ID
	c.partitionPosition = position
	c.state = Active
	c.logger.Info("cursor reset to partition tail", zap.String("stream_id", stream.ID), zap.String("position", position))
	cursor, _, err := c.cursors.Load(ctx)
	return cursor, err
}

func (c *Cursor) startPositionLocked(ctx context.Context) (string, error) {
	persisted, ok, err := c.cursors.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	if ok && persisted.StreamID == c.streamID && strings.TrimSpace(persisted.Position) != "" {
		return persisted.Position, nil
	}
	if c.partitionPosition != "" {
		return c.partitionPosition, nil
	}
	return StartPosition, nil
}

func reasonSet(reasons []string) map[string]struct{} {
	set := make(map[string]struct{}, len(reasons))
	for _, reason := range reasons {
		reason = strings.ToLower(strings.TrimSpace(reason))
		if reason != "" {
			set[reason] = struct{}{}
		}
	}
	return set
}
