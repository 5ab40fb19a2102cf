package egress

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sensorstream/internal/domain"
	"sensorstream/internal/shard"
)

// Publisher delivers one envelope to a broker.
type Publisher interface {
	Publish(ctx context.Context, env *FrameEnvelope) error
	Close() error
}

type DispatcherConfig struct {
	// QueueCapacity bounds each partition queue. A full queue drops the
	// frame; the stream is lossy end to end.
	QueueCapacity  int
	PublishTimeout time.Duration
}

func (c *DispatcherConfig) withDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// Dispatcher fans published frames out to broker publishers. Enqueue never
// blocks: frames are routed by stream id onto bounded per-partition queues
// so one stream's frames keep their publish order, and a full queue counts
// a drop instead of stalling the producer.
type Dispatcher struct {
	cfg     DispatcherConfig
	pubs    []Publisher
	queues  []chan *FrameEnvelope
	dropped atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, pubs ...Publisher) *Dispatcher {
	cfg.withDefaults()
	d := &Dispatcher{cfg: cfg, pubs: pubs, queues: make([]chan *FrameEnvelope, shard.PartitionCount)}
	for i := range d.queues {
		d.queues[i] = make(chan *FrameEnvelope, cfg.QueueCapacity)
	}
	for i := range d.queues {
		d.wg.Add(1)
		go d.runWorker(d.queues[i])
	}
	return d
}

// Enqueue implements the broadcaster's frame sink.
func (d *Dispatcher) Enqueue(id domain.StreamID, sequence uint64, payload []byte, publishedAt time.Time) {
	if d.closed.Load() {
		return
	}
	env := &FrameEnvelope{
		StreamId:         uint32(id),
		Sequence:         sequence,
		PublishedAtUtcNs: publishedAt.UnixNano(),
		Payload:          payload,
	}
	select {
	case d.queues[shard.PartitionForStream(id)] <- env:
	default:
		if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("egress: dropped %d frames, queues saturated", n)
		}
	}
}

// Dropped reports how many frames were discarded on full queues.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) runWorker(q chan *FrameEnvelope) {
	defer d.wg.Done()
	for env := range q {
		for _, pub := range d.pubs {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
			if err := pub.Publish(ctx, env); err != nil {
				log.Printf("egress: stream %d seq %d: %v", env.StreamId, env.Sequence, err)
			}
			cancel()
		}
	}
}

// Close drains the queues, stops the workers and closes the publishers.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
	var err error
	for _, pub := range d.pubs {
		if cerr := pub.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
