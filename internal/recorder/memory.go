package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sensorstream/internal/domain"
)

// MemoryStore keeps recorded frames in process memory. Test double for the
// sqlite store.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[domain.StreamID][]RecordedFrame
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[domain.StreamID][]RecordedFrame)}
}

func (m *MemoryStore) Record(_ context.Context, frame RecordedFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := m.streams[frame.Meta.StreamID]
	for _, have := range frames {
		if have.Meta.Sequence == frame.Meta.Sequence {
			return fmt.Errorf("record stream %d seq %d: duplicate", frame.Meta.StreamID, frame.Meta.Sequence)
		}
	}
	frame.Payload = append([]byte(nil), frame.Payload...)
	m.streams[frame.Meta.StreamID] = append(frames, frame)
	return nil
}

func (m *MemoryStore) QueryRange(_ context.Context, id domain.StreamID, fromSeq uint64, limit int) ([]RecordedFrame, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedFrame
	for _, f := range m.streams[id] {
		if f.Meta.Sequence >= fromSeq {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta.Sequence < out[j].Meta.Sequence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
