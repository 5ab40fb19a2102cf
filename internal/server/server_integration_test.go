package server

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sensorstream/internal/client"
	"sensorstream/internal/domain"
	"sensorstream/internal/recorder"
	"sensorstream/internal/stream"
)

func TestFullLoopPublishToClient(t *testing.T) {
	store := recorder.NewMemoryStore()
	sink := recorder.NewSink(store, 64)
	registry := stream.NewRegistry(stream.NewAccounting(), sink)
	id := testStreamID()
	s := startTestServer(t, Config{CreateOnSubscribe: true}, registry)

	frames := make(chan []byte, 32)
	token := domain.Token{Host: "127.0.0.1", Port: s.Port(), Protocol: domain.ProtocolTCP, StreamID: id}
	r, err := client.Subscribe(token, func(payload []byte) {
		frames <- append([]byte(nil), payload...)
	}, client.Config{ReconnectDelay: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()
	waitFor(t, 5*time.Second, func() bool { return r.State() == client.StateStreaming })

	b := registry.MakeStream(id)
	want := [][]byte{{0x01, 0x02}, {0x03}, {0x04, 0x05, 0x06}}
	for i, payload := range want {
		b.Publish(stream.NewFrame(payload))
		select {
		case got := <-frames:
			if !bytes.Equal(got, payload) {
				t.Fatalf("frame %d = %x, want %x", i, got, payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}

	// The recorder sink observed the same frames with increasing
	// sequence numbers.
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	recorded, err := store.QueryRange(context.Background(), id, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recorded) != len(want) {
		t.Fatalf("recorded %d frames, want %d", len(recorded), len(want))
	}
	for i, f := range recorded {
		if f.Meta.Sequence != uint64(i+1) || !bytes.Equal(f.Payload, want[i]) {
			t.Fatalf("recorded frame %d = %+v", i, f)
		}
	}

	st, ok := registry.Accounting().Snapshot(id)
	if !ok || st.FramesPublished != 3 || st.SubscriberHighWater < 1 {
		t.Fatalf("accounting = %+v ok=%v", st, ok)
	}
}

func TestFullLoopManySubscribers(t *testing.T) {
	registry := stream.NewRegistry(stream.NewAccounting())
	id := testStreamID()
	s := startTestServer(t, Config{CreateOnSubscribe: true}, registry)
	token := domain.Token{Host: "127.0.0.1", Port: s.Port(), Protocol: domain.ProtocolTCP, StreamID: id}

	const subscribers = 4
	var mu sync.Mutex
	received := make(map[int][][]byte)
	readers := make([]*client.Reader, subscribers)
	for i := 0; i < subscribers; i++ {
		i := i
		r, err := client.Subscribe(token, func(payload []byte) {
			mu.Lock()
			received[i] = append(received[i], append([]byte(nil), payload...))
			mu.Unlock()
		}, client.Config{ReconnectDelay: 100 * time.Millisecond})
		if err != nil {
			t.Fatal(err)
		}
		defer r.Stop()
		readers[i] = r
	}
	for _, r := range readers {
		waitFor(t, 5*time.Second, func() bool { return r.State() == client.StateStreaming })
	}

	b := registry.MakeStream(id)
	payload := []byte{0xCA, 0xFE}
	b.Publish(stream.NewFrame(payload))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for i := 0; i < subscribers; i++ {
			if len(received[i]) == 0 {
				return false
			}
		}
		return true
	})
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < subscribers; i++ {
		if !bytes.Equal(received[i][0], payload) {
			t.Fatalf("subscriber %d frame = %x", i, received[i][0])
		}
	}
}

func TestConcurrentStreams(t *testing.T) {
	registry := stream.NewRegistry(stream.NewAccounting())
	s := startTestServer(t, Config{CreateOnSubscribe: true}, registry)

	const streams = 6
	var wg sync.WaitGroup
	errCh := make(chan error, streams)
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := testStreamID()
			frames := make(chan []byte, 8)
			token := domain.Token{Host: "127.0.0.1", Port: s.Port(), Protocol: domain.ProtocolTCP, StreamID: id}
			r, err := client.Subscribe(token, func(payload []byte) {
				frames <- append([]byte(nil), payload...)
			}, client.Config{ReconnectDelay: 100 * time.Millisecond})
			if err != nil {
				errCh <- err
				return
			}
			defer r.Stop()
			deadline := time.Now().Add(5 * time.Second)
			for r.State() != client.StateStreaming {
				if time.Now().After(deadline) {
					errCh <- fmt.Errorf("stream %d: never reached streaming", id)
					return
				}
				time.Sleep(10 * time.Millisecond)
			}

			want := []byte{byte(n), byte(n + 1)}
			registry.MakeStream(id).Publish(stream.NewFrame(want))
			select {
			case got := <-frames:
				if !bytes.Equal(got, want) {
					errCh <- fmt.Errorf("stream %d: frame %x, want %x", id, got, want)
				}
			case <-time.After(2 * time.Second):
				errCh <- fmt.Errorf("stream %d: timed out", id)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
