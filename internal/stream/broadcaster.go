package stream

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sensorstream/internal/domain"
	"sensorstream/internal/shm"
)

// FrameSink receives a copy of every published frame for delivery outside
// the shared-memory path (broker egress, recording). Implementations must
// not block.
type FrameSink interface {
	Enqueue(id domain.StreamID, sequence uint64, payload []byte, publishedAt time.Time)
}

type fastSlot struct {
	session Session
}

// Broadcaster tracks the subscribed sessions of a single stream and
// dispatches each published frame to all of them through one shared-memory
// channel. The channel exists exactly while at least one session is
// attached.
type Broadcaster struct {
	streamID domain.StreamID

	mu       sync.Mutex
	sessions []Session
	channel  *shm.Channel

	// Non-nil iff exactly one session is attached. Written under mu,
	// readable without it.
	fast atomic.Pointer[fastSlot]

	// Producer-side publish ordinal. Unlike the channel header sequence,
	// it survives channel teardown between attachments.
	published uint64

	sinks      []FrameSink
	accounting *Accounting
}

func NewBroadcaster(id domain.StreamID, accounting *Accounting, sinks ...FrameSink) *Broadcaster {
	return &Broadcaster{streamID: id, accounting: accounting, sinks: sinks}
}

func (b *Broadcaster) StreamID() domain.StreamID { return b.streamID }

// Attach adds a session to the stream, creating the shared-memory channel
// on the 0 -> 1 transition and delivering its name to the peer. A creation
// or name-delivery failure leaves the broadcaster unchanged and the session
// unattached.
func (b *Broadcaster) Attach(s Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	created := false
	if len(b.sessions) == 0 {
		ch, err := shm.Create(shm.ChannelName(s.Port(), uint32(s.StreamID())))
		if err != nil {
			return err
		}
		b.channel = ch
		created = true
	}

	s.SetChannel(b.channel)
	if err := s.Write(append([]byte(b.channel.Name()), 0x00)); err != nil {
		if created {
			b.channel.Destroy()
			b.channel = nil
		}
		return err
	}

	b.sessions = append(b.sessions, s)
	b.storeFast()
	if b.accounting != nil {
		b.accounting.RecordSubscribers(b.streamID, len(b.sessions))
	}
	return nil
}

// Detach removes a session. On the 1 -> 0 transition the channel is
// destroyed and its named objects removed.
func (b *Broadcaster) Detach(s Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return
	}
	for i, have := range b.sessions {
		if have == s {
			b.sessions = append(b.sessions[:i], b.sessions[i+1:]...)
			break
		}
	}
	if len(b.sessions) == 0 && b.channel != nil {
		b.channel.Destroy()
		b.channel = nil
	}
	b.storeFast()
	if b.accounting != nil {
		b.accounting.RecordSubscribers(b.streamID, len(b.sessions))
	}
}

// ClearAll drops every session and the channel.
func (b *Broadcaster) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = nil
	if b.channel != nil {
		b.channel.Destroy()
		b.channel = nil
	}
	b.storeFast()
	if b.accounting != nil {
		b.accounting.RecordSubscribers(b.streamID, 0)
	}
}

func (b *Broadcaster) storeFast() {
	if len(b.sessions) == 1 {
		b.fast.Store(&fastSlot{session: b.sessions[0]})
	} else {
		b.fast.Store(nil)
	}
}

// FastSession returns the single attached session, or nil unless exactly
// one is attached. Lock-free.
func (b *Broadcaster) FastSession() Session {
	if slot := b.fast.Load(); slot != nil {
		return slot.session
	}
	return nil
}

func (b *Broadcaster) AnySubscribers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions) > 0
}

// Publish delivers the frame to every attached local reader through the
// shared-memory channel, then hands a copy to the sinks. With no
// subscribers the shared-memory write is skipped; sinks still run so
// remote egress does not depend on local attachment. Writer errors are
// logged and swallowed; the stream is lossy and the next publish retries.
//
// The broadcaster lock is taken only to snapshot the channel and the
// ordinal; the shared-memory write happens outside it. Attach and detach
// wait on the channel mutex only when they destroy the channel: Destroy
// takes the exclusive lock, so it waits for an in-flight write or a reader
// still inside its callback.
func (b *Broadcaster) Publish(frame *Frame) {
	b.mu.Lock()
	ch := b.channel
	b.published++
	seq := b.published
	b.mu.Unlock()

	if ch != nil {
		if _, err := ch.WriteFrame(frame.Payload()); err != nil && err != shm.ErrClosed {
			log.Printf("stream %d: publish: %v", b.streamID, err)
		}
	}

	if b.accounting != nil {
		b.accounting.RecordPublish(b.streamID, seq, frame.PayloadSize())
	}
	if len(b.sinks) > 0 {
		payload := frame.PayloadBytes()
		now := time.Now().UTC()
		for _, sink := range b.sinks {
			sink.Enqueue(b.streamID, seq, payload, now)
		}
	}
}
