package server

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sensorstream/internal/domain"
	"sensorstream/internal/shm"
	"sensorstream/internal/stream"
	"sensorstream/internal/wire"
)

type Config struct {
	Network, Address string
	// WriteTimeout bounds the channel-name delivery; it never applies to
	// the held-open subscription read.
	WriteTimeout time.Duration
	// CreateOnSubscribe makes an unknown stream id create the stream
	// instead of rejecting the subscriber.
	CreateOnSubscribe bool
}

// Server accepts subscriber connections, performs the stream-id handshake
// and parks each connection on its broadcaster until the peer disconnects.
type Server struct {
	cfg      Config
	registry *stream.Registry
	ln       net.Listener
	addr     atomic.Value
	port     atomic.Uint32
	closed   atomic.Bool
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func NewServer(cfg Config, registry *stream.Registry) *Server {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, registry: registry, conns: make(map[net.Conn]struct{})}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Port returns the bound listen port. Zero until Start has bound the
// listener.
func (s *Server) Port() uint16 { return uint16(s.port.Load()) }

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port.Store(uint32(tcp.Port))
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.registry.CloseAll()
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WriteTimeout))
	id, err := wire.ReadStreamID(conn)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	b, ok := s.resolve(id)
	if !ok {
		log.Printf("server: subscription for unknown stream %d from %s", id, conn.RemoteAddr())
		return
	}

	sess := &tcpSession{conn: conn, id: id, port: s.Port(), writeTimeout: s.cfg.WriteTimeout}
	if err := b.Attach(sess); err != nil {
		log.Printf("server: attach stream %d: %v", id, err)
		return
	}
	defer b.Detach(sess)

	// The subscription carries no further client messages. Reading until
	// failure is how we learn the peer is gone.
	buf := make([]byte, 16)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func (s *Server) resolve(id domain.StreamID) (*stream.Broadcaster, bool) {
	if s.cfg.CreateOnSubscribe {
		return s.registry.MakeStream(id), true
	}
	return s.registry.Get(id)
}

// tcpSession adapts one subscriber connection to the broadcaster's session
// contract.
type tcpSession struct {
	conn         net.Conn
	id           domain.StreamID
	port         uint16
	writeTimeout time.Duration

	mu      sync.Mutex
	channel *shm.Channel
}

func (t *tcpSession) SetChannel(ch *shm.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = ch
}

func (t *tcpSession) Write(p []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	defer t.conn.SetWriteDeadline(time.Time{})
	_, err := t.conn.Write(p)
	return err
}

func (t *tcpSession) StreamID() domain.StreamID { return t.id }
func (t *tcpSession) Port() uint16              { return t.port }
