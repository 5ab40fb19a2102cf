package client

import (
	"bytes"
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"sensorstream/internal/domain"
	"sensorstream/internal/server"
	"sensorstream/internal/stream"
)

var testStreamSeq atomic.Uint32

func testStreamID() domain.StreamID {
	return domain.StreamID(uint32(os.Getpid()%1000)*100000 + 70000 + testStreamSeq.Add(1))
}

func startServer(t *testing.T, registry *stream.Registry) *server.Server {
	t.Helper()
	s := server.NewServer(server.Config{Address: "127.0.0.1:0", CreateOnSubscribe: true}, registry)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})
	waitFor(t, 5*time.Second, func() bool { return s.Addr() != "" })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func subscribe(t *testing.T, s *server.Server, id domain.StreamID, frames chan<- []byte) *Reader {
	t.Helper()
	token := domain.Token{Host: "127.0.0.1", Port: s.Port(), Protocol: domain.ProtocolTCP, StreamID: id}
	r, err := Subscribe(token, func(payload []byte) {
		frames <- append([]byte(nil), payload...)
	}, Config{ReconnectDelay: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Stop)
	return r
}

func TestSubscribeReceivesPublishedFrames(t *testing.T) {
	registry := stream.NewRegistry(stream.NewAccounting())
	id := testStreamID()
	s := startServer(t, registry)

	frames := make(chan []byte, 16)
	r := subscribe(t, s, id, frames)
	waitFor(t, 5*time.Second, func() bool { return r.State() == StateStreaming })

	b := registry.MakeStream(id)
	want := [][]byte{{0x01}, {0x02, 0x03}, {0x04, 0x05, 0x06}}
	for _, payload := range want {
		b.Publish(stream.NewFrame(payload))
		select {
		case got := <-frames:
			if !bytes.Equal(got, payload) {
				t.Fatalf("frame = %x, want %x", got, payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %x", payload)
		}
	}
}

func TestSubscribeRejectsNonTCPToken(t *testing.T) {
	token := domain.Token{Host: "127.0.0.1", Port: 1, Protocol: domain.ProtocolUDP, StreamID: 1}
	if _, err := Subscribe(token, func([]byte) {}, Config{}); err == nil {
		t.Fatal("expected protocol error")
	}
}

func TestReaderReconnectsAfterStreamClose(t *testing.T) {
	registry := stream.NewRegistry(stream.NewAccounting())
	id := testStreamID()
	s := startServer(t, registry)

	frames := make(chan []byte, 16)
	r := subscribe(t, s, id, frames)
	waitFor(t, 5*time.Second, func() bool { return r.State() == StateStreaming })

	// Tearing the stream down bounces the reader through the reconnect
	// path; with create-on-subscribe it lands on a fresh channel.
	registry.CloseStream(id)
	waitFor(t, 5*time.Second, func() bool {
		st := r.State()
		return st == StateReconnecting || st == StateConnecting
	})
	waitFor(t, 5*time.Second, func() bool { return r.State() == StateStreaming })

	payload := []byte{0xAB, 0xCD}
	registry.MakeStream(id).Publish(stream.NewFrame(payload))
	select {
	case got := <-frames:
		if !bytes.Equal(got, payload) {
			t.Fatalf("frame after reconnect = %x, want %x", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after reconnect")
	}
}

func TestStopWhileStreaming(t *testing.T) {
	registry := stream.NewRegistry(stream.NewAccounting())
	id := testStreamID()
	s := startServer(t, registry)

	frames := make(chan []byte, 16)
	r := subscribe(t, s, id, frames)
	waitFor(t, 5*time.Second, func() bool { return r.State() == StateStreaming })

	done := make(chan struct{})
	go func() { r.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if r.State() != StateStopped {
		t.Fatalf("state after Stop = %v", r.State())
	}
}

func TestStopWhileServerDown(t *testing.T) {
	token := domain.Token{Host: "127.0.0.1", Port: 1, Protocol: domain.ProtocolTCP, StreamID: 9}
	r, err := Subscribe(token, func([]byte) {}, Config{DialTimeout: 100 * time.Millisecond, ReconnectDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	r.Stop()
	if r.State() != StateStopped {
		t.Fatalf("state = %v", r.State())
	}
}
