package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ssr-relay/internal/store"
)

func TestMemoryStoreGetSet(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrKeyMissing) {
		t.Fatalf("get missing key: got %v, want ErrKeyMissing", err)
	}
	if err := s.Set(ctx, "record", `{"a":1}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := s.Get(ctx, "record")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != `{"a":1}` {
		t.Fatalf("get = %q", value)
	}
}

func TestMemoryStorePublishSubscribe(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.Subscribe(ctx, "chan-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Channel() != "chan-a" {
		t.Fatalf("channel = %q", sub.Channel())
	}
	if err := s.Publish(ctx, "chan-a", "payload-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		if msg.Payload != "payload-1" || msg.Channel != "chan-a" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("messages channel still open after close")
	}
}

func TestMemoryStoreLockExclusivity(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	const workers = 16
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := s.WithLock(ctx, "counter", func(context.Context) error {
				current := counter
				time.Sleep(time.Millisecond)
				counter = current + 1
				return nil
			})
			if err != nil {
				t.Errorf("with lock: %v", err)
			}
		}()
	}
	wg.Wait()
	if counter != workers {
		t.Fatalf("counter = %d, want %d: lock admitted concurrent writers", counter, workers)
	}
}

func TestMemoryStoreLockReleasedAfterError(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	wantErr := errors.New("boom")
	if err := s.WithLock(ctx, "key", func(context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("with lock: got %v, want %v", err, wantErr)
	}

	// A second acquisition must succeed promptly if the first released.
	acquired := make(chan struct{})
	go func() {
		_ = s.WithLock(ctx, "key", func(context.Context) error {
			close(acquired)
			return nil
		})
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released after fn error")
	}
}

func TestMemoryStoreLockHonoursContext(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), "key", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.WithLock(ctx, "key", func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("contended lock: got %v, want DeadlineExceeded", err)
	}
}
