package emit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/media"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []media.Message
	err  error
}

func (f *fakeTransport) Send(ctx context.Context, msg media.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestEnqueueDropsWhenOutboxFull(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	e := New(config.Config{Index: 1}, transport, nil)

	for i := 0; i < media.EmitterOutboxSize+5; i++ {
		e.Enqueue(media.Message{Timestamp: uint64(i)})
	}

	if len(e.outbox) != media.EmitterOutboxSize {
		t.Fatalf("outbox len = %d, want it capped at %d", len(e.outbox), media.EmitterOutboxSize)
	}
}

func TestRunForwardsMessagesInOrder(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	e := New(config.Config{Index: 1}, transport, nil)

	e.Enqueue(media.Message{Timestamp: 1})
	e.Enqueue(media.Message{Timestamp: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for transport.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if transport.count() != 2 {
		t.Fatalf("transport received %d messages, want 2", transport.count())
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.sent[0].Timestamp != 1 || transport.sent[1].Timestamp != 2 {
		t.Fatalf("messages out of FIFO order: %+v", transport.sent)
	}
}

func TestRunDrainsRemainingOnShutdown(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	e := New(config.Config{Index: 1}, transport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled before Run starts

	e.Enqueue(media.Message{Timestamp: 1})
	e.Enqueue(media.Message{Timestamp: 2})

	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if transport.count() != 2 {
		t.Fatalf("expected the drain pass to flush both queued messages, got %d", transport.count())
	}
}

func TestSendLogsTransportErrorWithoutPanicking(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{err: errors.New("network down")}
	e := New(config.Config{Index: 1}, transport, nil)

	e.send(context.Background(), media.Message{Timestamp: 1})
	if transport.count() != 1 {
		t.Fatalf("send should still have attempted delivery once")
	}
}
