package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ssr-relay/internal/store"
	"ssr-relay/internal/testsupport/redisstub"
)

func startRedisStore(t *testing.T) (store.Store, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	s, err := store.NewRedisStore(store.RedisConfig{
		Addr:          srv.Addr(),
		Password:      "secret",
		DialTimeout:   2 * time.Second,
		ReadTimeout:   2 * time.Second,
		WriteTimeout:  2 * time.Second,
		LockTTL:       2 * time.Second,
		LockRetryWait: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("connect redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, srv
}

func TestRedisStoreGetSet(t *testing.T) {
	s, _ := startRedisStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrKeyMissing) {
		t.Fatalf("get missing key: got %v, want ErrKeyMissing", err)
	}
	if err := s.Set(ctx, "record", "{}"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := s.Get(ctx, "record")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "{}" {
		t.Fatalf("get = %q", value)
	}
}

func TestRedisStorePublishSubscribe(t *testing.T) {
	s, srv := startRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.Subscribe(ctx, "notify")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if srv.SubscriberCount("notify") != 1 {
		t.Fatalf("subscriber count = %d, want 1", srv.SubscriberCount("notify"))
	}
	if err := s.Publish(ctx, "notify", "sealed-payload"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		if msg.Channel != "notify" || msg.Payload != "sealed-payload" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRedisStoreLockExclusivity(t *testing.T) {
	s, _ := startRedisStore(t)
	ctx := context.Background()

	const workers = 8
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := s.WithLock(ctx, "shared", func(context.Context) error {
				current := counter
				time.Sleep(2 * time.Millisecond)
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
		t.Fatalf("counter = %d, want %d", counter, workers)
	}
}

func TestRedisStoreLockReleasedAfterError(t *testing.T) {
	s, srv := startRedisStore(t)
	ctx := context.Background()

	wantErr := errors.New("boom")
	if err := s.WithLock(ctx, "record", func(context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("with lock: got %v, want %v", err, wantErr)
	}
	if _, held := srv.Value("lock:record"); held {
		t.Fatal("lease still present after fn error")
	}
}
