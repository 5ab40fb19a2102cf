package recorder

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sensorstream/internal/domain"
)

// Sink adapts a Recorder to the broadcaster's frame sink: Enqueue never
// blocks, writes happen on one background goroutine, a full queue drops
// the frame.
type Sink struct {
	rec     Recorder
	queue   chan RecordedFrame
	dropped atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func NewSink(rec Recorder, queueCapacity int) *Sink {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	s := &Sink{rec: rec, queue: make(chan RecordedFrame, queueCapacity)}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) Enqueue(id domain.StreamID, sequence uint64, payload []byte, publishedAt time.Time) {
	if s.closed.Load() {
		return
	}
	frame := RecordedFrame{
		Meta: domain.FrameMeta{
			StreamID:         id,
			Sequence:         sequence,
			PayloadSize:      uint64(len(payload)),
			PublishedAtUTCNs: publishedAt.UnixNano(),
		},
		Payload: payload,
	}
	select {
	case s.queue <- frame:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("recorder: dropped %d frames, queue saturated", n)
		}
	}
}

func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) run() {
	defer s.wg.Done()
	for frame := range s.queue {
		if err := s.rec.Record(context.Background(), frame); err != nil {
			log.Printf("recorder: %v", err)
		}
	}
}

// Close drains the queue and closes the underlying recorder.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.queue)
	s.wg.Wait()
	return s.rec.Close()
}
