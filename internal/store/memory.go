package store

import (
	"context"
	"sync"
)

// NewMemoryStore initialises a single-process Store suitable for tests and
// single-instance deployments. Lock semantics match the redis driver: one fn
// body per key at a time, acquisition honours context cancellation.
func NewMemoryStore(buffer int) Store {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryStore{
		values: make(map[string]string),
		subs:   make(map[string]map[*memorySubscription]struct{}),
		locks:  make(map[string]chan struct{}),
		buffer: buffer,
	}
}

type memoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[string]map[*memorySubscription]struct{}
	buffer int

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", ErrKeyMissing
	}
	return value, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memoryStore) Publish(ctx context.Context, channel, payload string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs[channel] {
		select {
		case sub.ch <- Message{Channel: channel, Payload: payload}:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the publish path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (s *memoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		ch:      make(chan Message, s.buffer),
	}
	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*memorySubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

func (s *memoryStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := s.lockFor(key)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()
	return fn(ctx)
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	s.subs = make(map[string]map[*memorySubscription]struct{})
	return nil
}

func (s *memoryStore) lockFor(key string) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[key] = lock
	}
	return lock
}

type memorySubscription struct {
	store   *memoryStore
	channel string
	once    sync.Once
	ch      chan Message
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Channel() string {
	return s.channel
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		if subs := s.store.subs[s.channel]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.store.subs, s.channel)
			}
		}
		s.store.mu.Unlock()
		close(s.ch)
	})
	return nil
}
