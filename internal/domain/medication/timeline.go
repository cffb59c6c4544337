package medication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TimelineFilter narrows a timeline query. Zero values match everything.
type TimelineFilter struct {
	EventTypes []EventType
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// Matches reports whether e passes the filter
func (f TimelineFilter) Matches(e *TimelineEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && e.EventDate.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.EventDate.After(*f.Until) {
		return false
	}
	return true
}

// TimelineRecorder stores append-only timeline events.
type TimelineRecorder interface {
	// Append stores events in order. Events are never edited afterwards.
	Append(ctx context.Context, events ...*TimelineEvent) error
	// Query returns events newest first, ties broken by insertion order.
	Query(ctx context.Context, patientID string, filter TimelineFilter) ([]*TimelineEvent, error)
}

// SortTimeline orders events by event date descending. Events sharing a
// date keep ascending sequence order.
func SortTimeline(events []*TimelineEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].EventDate.Equal(events[j].EventDate) {
			return events[i].EventDate.After(events[j].EventDate)
		}
		return events[i].Sequence < events[j].Sequence
	})
}

// MemoryTimeline is an in-process TimelineRecorder
type MemoryTimeline struct {
	mu     sync.RWMutex
	seq    int64
	ids    map[string]struct{}
	events map[string][]*TimelineEvent
}

// NewMemoryTimeline creates an empty timeline
func NewMemoryTimeline() *MemoryTimeline {
	return &MemoryTimeline{
		ids:    make(map[string]struct{}),
		events: make(map[string][]*TimelineEvent),
	}
}

// Append assigns sequence numbers and stores copies of events. A batch with
// a duplicate event ID is rejected as a whole.
func (t *MemoryTimeline) Append(ctx context.Context, events ...*TimelineEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, ok := t.ids[e.EventID]; ok {
			return fmt.Errorf("timeline event %s already recorded", e.EventID)
		}
		if _, ok := batch[e.EventID]; ok {
			return fmt.Errorf("timeline event %s repeated in batch", e.EventID)
		}
		batch[e.EventID] = struct{}{}
	}

	for _, e := range events {
		t.seq++
		e.Sequence = t.seq
		t.ids[e.EventID] = struct{}{}
		t.events[e.PatientID] = append(t.events[e.PatientID], e.Clone())
	}
	return nil
}

// Query returns matching events newest first
func (t *MemoryTimeline) Query(ctx context.Context, patientID string, filter TimelineFilter) ([]*TimelineEvent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*TimelineEvent
	for _, e := range t.events[patientID] {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	SortTimeline(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
