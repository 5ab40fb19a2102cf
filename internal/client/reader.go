package client

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sensorstream/internal/bufferpool"
	"sensorstream/internal/domain"
	"sensorstream/internal/shm"
	"sensorstream/internal/wire"
)

// State is the reader's position in the subscription lifecycle. It moves
// forward through the handshake, drops back to StateReconnecting on any
// failure and only ever ends at StateStopped.
type State int32

const (
	StateConnecting State = iota
	StateSendingID
	StateAwaitingName
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSendingID:
		return "sending-id"
	case StateAwaitingName:
		return "awaiting-name"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
}

// Reader subscribes to one stream and invokes the callback with each frame
// payload read from the shared-memory channel. The payload slice is pooled;
// it is only valid for the duration of the callback.
type Reader struct {
	token    domain.Token
	callback func(payload []byte)
	cfg      Config

	state   atomic.Int32
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	conn    net.Conn
	channel *shm.Channel
}

// Subscribe dials the token's endpoint in the background and keeps the
// subscription alive until Stop. The callback runs on the reader's
// goroutine.
func Subscribe(token domain.Token, callback func(payload []byte), cfg Config) (*Reader, error) {
	if !token.IsTCP() {
		return nil, fmt.Errorf("client: unsupported protocol %s", token.Protocol)
	}
	if callback == nil {
		return nil, fmt.Errorf("client: nil callback")
	}
	cfg.withDefaults()
	r := &Reader{
		token:    token,
		callback: callback,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *Reader) State() State { return State(r.state.Load()) }

func (r *Reader) setState(s State) { r.state.Store(int32(s)) }

// Stop terminates the subscription and blocks until the reader goroutine
// has exited. Safe to call more than once.
func (r *Reader) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		<-r.done
		return
	}
	close(r.stopCh)
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	if r.channel != nil {
		r.channel.Interrupt()
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Reader) run() {
	defer close(r.done)
	defer r.setState(StateStopped)
	for !r.stopped.Load() {
		err := r.attempt()
		if r.stopped.Load() {
			return
		}
		if err != nil {
			log.Printf("client: stream %d: %v", r.token.StreamID, err)
		}
		r.setState(StateReconnecting)
		select {
		case <-r.stopCh:
			return
		case <-time.After(r.cfg.ReconnectDelay):
		}
	}
}

// attempt runs one full handshake and streams frames until the connection
// or channel fails.
func (r *Reader) attempt() error {
	r.setState(StateConnecting)
	addr := net.JoinHostPort(r.token.Host, fmt.Sprintf("%d", r.token.Port))
	conn, err := net.DialTimeout("tcp", addr, r.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	r.mu.Lock()
	if r.stopped.Load() {
		r.mu.Unlock()
		conn.Close()
		return nil
	}
	r.conn = conn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()
	}()

	r.setState(StateSendingID)
	if err := wire.WriteStreamID(conn, r.token.StreamID); err != nil {
		return fmt.Errorf("send stream id: %w", err)
	}

	r.setState(StateAwaitingName)
	name, err := wire.ReadChannelName(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("read channel name: %w", err)
	}

	ch, err := shm.Open(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.stopped.Load() {
		r.mu.Unlock()
		ch.Close()
		return nil
	}
	r.channel = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.channel = nil
		r.mu.Unlock()
		ch.Close()
	}()

	r.setState(StateStreaming)
	for {
		err := ch.ReadFrame(func(payload []byte) {
			buf := bufferpool.Get(len(payload))
			copy(buf, payload)
			r.callback(buf)
			bufferpool.Put(buf)
		})
		if err != nil {
			if err == shm.ErrClosed {
				return nil
			}
			return err
		}
	}
}
