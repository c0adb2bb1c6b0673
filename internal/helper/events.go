package helper

import (
	"context"
	"errors"
	"fmt"
)

// ErrEventGap marks a batch whose starting index was past the cursor: the
// helper's ring buffer wrapped and events were lost. Match with errors.Is;
// the concrete *EventGapError carries the counts.
var ErrEventGap = errors.New("event ring gap")

// EventGapError reports lost events between the requested cursor and the
// first event the helper still retains.
type EventGapError struct {
	Requested int
	Start     int
	Lost      int
}

func (e *EventGapError) Error() string {
	return fmt.Sprintf("event ring gap: requested index %d, buffer starts at %d (%d events lost)",
		e.Requested, e.Start, e.Lost)
}

func (e *EventGapError) Is(target error) bool { return target == ErrEventGap }

// EventBatch is one fetch from the helper's event ring.
type EventBatch struct {
	Events []string
	// NextIndex is the cursor position after this batch.
	NextIndex int
}

// FetchRecentEvents fetches all events the helper retains past the client's
// cursor. The cursor advances only on a successful fetch. When the ring has
// wrapped past the cursor the batch is still returned and the cursor still
// advances, but the error is a *EventGapError so the loss is surfaced rather
// than silently renumbered.
func (c *Client) FetchRecentEvents(ctx context.Context) (EventBatch, error) {
	c.mu.Lock()
	since := c.cursor
	c.mu.Unlock()

	var reply RecentEventsReply
	if err := c.call(ctx, methodGetRecentEvents, RecentEventsRequest{SinceIndex: since}, &reply, false); err != nil {
		return EventBatch{NextIndex: since}, err
	}

	batch := EventBatch{Events: reply.Events, NextIndex: reply.NextIndex}

	// An empty reply keeps NextIndex == since; never move the cursor past
	// what the helper acknowledged.
	if reply.NextIndex < since {
		return batch, fmt.Errorf("get_recent_events: next index %d went backwards from %d", reply.NextIndex, since)
	}
	c.mu.Lock()
	c.cursor = reply.NextIndex
	c.mu.Unlock()

	if len(reply.Events) > 0 && reply.StartIndex > since {
		return batch, &EventGapError{
			Requested: since,
			Start:     reply.StartIndex,
			Lost:      reply.StartIndex - since,
		}
	}
	return batch, nil
}

// ResetEventCursor rewinds the cursor to 0, forcing a full replay of the
// helper's retained buffer on the next fetch.
func (c *Client) ResetEventCursor() {
	c.mu.Lock()
	c.cursor = 0
	c.mu.Unlock()
}

// EventCursor returns the current ring cursor.
func (c *Client) EventCursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}
