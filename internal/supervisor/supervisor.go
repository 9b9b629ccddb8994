// Package supervisor owns the two shared records every relay instance
// coordinates through: the pending-message queue and the active-subscription
// table. All read-modify-write cycles on a record run under that record's
// distributed lock, so concurrent relay instances never lose updates.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ssr-relay/internal/naming"
	"ssr-relay/internal/observability/metrics"
	"ssr-relay/internal/store"
)

const (
	// PendingQueueKey holds the record mapping channels to the single
	// encrypted payload awaiting a subscriber (last write wins).
	PendingQueueKey = "relay:message-queue"
	// ActiveSubsKey holds the record mapping channels to their ordered
	// subscription records.
	ActiveSubsKey = "relay:subscriptions"
)

// ErrNoSubscription reports a lookup or removal that matched no stored
// subscription record.
var ErrNoSubscription = errors.New("no matching subscription")

// Config configures a Supervisor.
type Config struct {
	Store  store.Store
	Logger *slog.Logger
	// Reset force-clears both shared records on startup. Development and
	// test deployments only.
	Reset   bool
	Metrics *metrics.Recorder
}

// Supervisor maintains cross-instance subscription bookkeeping plus the
// process-local registry of live broker subscriber handles.
type Supervisor struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	handles map[string]store.Subscription
}

// New initialises the supervisor and lazily creates both shared records,
// each under its own lock.
func New(ctx context.Context, cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
		handles: make(map[string]store.Subscription),
	}
	for _, key := range []string{PendingQueueKey, ActiveSubsKey} {
		if err := s.initRecord(ctx, key, cfg.Reset); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Supervisor) initRecord(ctx context.Context, key string, reset bool) error {
	return s.store.WithLock(ctx, key, func(ctx context.Context) error {
		_, err := s.store.Get(ctx, key)
		switch {
		case errors.Is(err, store.ErrKeyMissing) || reset:
			s.logger.Info("initialising shared record", "key", key, "reset", reset)
			return s.store.Set(ctx, key, "{}")
		case err != nil:
			return fmt.Errorf("initialise %s: %w", key, err)
		default:
			return nil
		}
	})
}

// Subscribe appends a subscription record for channel and returns the profile
// with its identity digest filled in. A record with the same identity already
// present on the channel is left untouched.
func (s *Supervisor) Subscribe(ctx context.Context, channel string, user UserInfo, app AppInfo) (UserInfo, error) {
	user.MD5 = user.Digest()
	err := s.store.WithLock(ctx, ActiveSubsKey, func(ctx context.Context) error {
		table, err := s.loadTable(ctx)
		if err != nil {
			return err
		}
		for _, record := range table[channel] {
			if record.UserInfo.MD5 == user.MD5 {
				s.logger.Debug("duplicate subscription ignored", "channel", channel, "identity", user.MD5)
				return nil
			}
		}
		table[channel] = append(table[channel], SubscriptionRecord{AppInfo: app, UserInfo: user})
		return s.saveTable(ctx, table)
	})
	if err != nil {
		return UserInfo{}, err
	}
	return user, nil
}

// Unsubscribe removes the first record on channel matching the profile's
// identity, drops the channel key entirely when its collection empties, closes
// and forgets the registered broker handle, and returns the matched identity.
// ErrNoSubscription reports a removal that matched nothing; the table is left
// untouched in that case.
func (s *Supervisor) Unsubscribe(ctx context.Context, channel, connectionID string, user UserInfo) (string, error) {
	if handle, ok := s.Release(connectionID); ok {
		_ = handle.Close()
	}
	identity := user.Digest()
	matched := false
	err := s.store.WithLock(ctx, ActiveSubsKey, func(ctx context.Context) error {
		table, err := s.loadTable(ctx)
		if err != nil {
			return err
		}
		records := table[channel]
		for i, record := range records {
			if record.UserInfo.MD5 != identity {
				continue
			}
			matched = true
			records = append(records[:i], records[i+1:]...)
			if len(records) == 0 {
				delete(table, channel)
			} else {
				table[channel] = records
			}
			return s.saveTable(ctx, table)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !matched {
		return "", fmt.Errorf("unsubscribe %s: %w", channel, ErrNoSubscription)
	}
	return identity, nil
}

// QueueMessage stores the encrypted payload as the channel's single pending
// entry, overwriting any previous one.
func (s *Supervisor) QueueMessage(ctx context.Context, channel, payload string) error {
	return s.store.WithLock(ctx, PendingQueueKey, func(ctx context.Context) error {
		queue, err := s.loadQueue(ctx)
		if err != nil {
			return err
		}
		queue[channel] = payload
		if err := s.saveQueue(ctx, queue); err != nil {
			return err
		}
		s.metrics.ObserveRelayEvent(metrics.EventQueued)
		return nil
	})
}

// BindReady registers the confirmed broker handle for the connection and
// drains the channel's pending entry, publishing and deleting it inside the
// same lock scope so the drain happens exactly once across the fleet.
func (s *Supervisor) BindReady(ctx context.Context, connectionID string, handle store.Subscription, channel string) error {
	s.mu.Lock()
	s.handles[connectionID] = handle
	s.mu.Unlock()

	return s.store.WithLock(ctx, PendingQueueKey, func(ctx context.Context) error {
		queue, err := s.loadQueue(ctx)
		if err != nil {
			return err
		}
		pending, ok := queue[channel]
		if !ok {
			return nil
		}
		s.logger.Info("publishing pending message to new subscriber", "channel", channel)
		if err := s.store.Publish(ctx, channel, pending); err != nil {
			return err
		}
		delete(queue, channel)
		if err := s.saveQueue(ctx, queue); err != nil {
			return err
		}
		s.metrics.ObserveRelayEvent(metrics.EventDrained)
		return nil
	})
}

// HasSubscribers reports whether any relay instance holds a subscription for
// channel. The read is deliberately unlocked: it backs a liveness heuristic
// and may observe a stale snapshot under concurrent writers.
func (s *Supervisor) HasSubscribers(ctx context.Context, channel string) (bool, error) {
	table, err := s.loadTable(ctx)
	if err != nil {
		return false, err
	}
	return len(table[channel]) > 0, nil
}

// AllSubscriptionsForUser builds the presence snapshot for the requesting
// identity, grouping every non-master subscription by subscriber identity.
func (s *Supervisor) AllSubscriptionsForUser(ctx context.Context, identity string) (Presence, error) {
	table, err := s.loadTable(ctx)
	if err != nil {
		return Presence{}, err
	}
	presence := Presence{Self: identity, Users: make(map[string]PresenceEntry)}
	for _, records := range table {
		for _, record := range records {
			if record.AppInfo.Channel == naming.MasterSubchannel {
				continue
			}
			key := record.UserInfo.MD5
			entry, ok := presence.Users[key]
			if !ok {
				entry = PresenceEntry{Name: record.UserInfo.Name}
			}
			entry.AppInfo = append(entry.AppInfo, record.AppInfo)
			presence.Users[key] = entry
		}
	}
	return presence, nil
}

// SubscriptionInfoFor returns the stored profile for the given identity
// digest, scanning every channel's records.
func (s *Supervisor) SubscriptionInfoFor(ctx context.Context, identity string) (UserInfo, error) {
	table, err := s.loadTable(ctx)
	if err != nil {
		return UserInfo{}, err
	}
	for _, records := range table {
		for _, record := range records {
			if record.UserInfo.MD5 == identity {
				return record.UserInfo, nil
			}
		}
	}
	return UserInfo{}, fmt.Errorf("identity %s: %w", identity, ErrNoSubscription)
}

// Lookup returns the registered broker handle for a connection.
func (s *Supervisor) Lookup(connectionID string) (store.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[connectionID]
	return handle, ok
}

// Release removes and returns the registered broker handle for a connection.
func (s *Supervisor) Release(connectionID string) (store.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.handles[connectionID]
	if ok {
		delete(s.handles, connectionID)
	}
	return handle, ok
}

func (s *Supervisor) loadTable(ctx context.Context) (subscriptionTable, error) {
	raw, err := s.store.Get(ctx, ActiveSubsKey)
	if errors.Is(err, store.ErrKeyMissing) {
		return make(subscriptionTable), nil
	}
	if err != nil {
		return nil, err
	}
	var table subscriptionTable
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ActiveSubsKey, err)
	}
	if table == nil {
		table = make(subscriptionTable)
	}
	return table, nil
}

func (s *Supervisor) saveTable(ctx context.Context, table subscriptionTable) error {
	raw, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("serialise %s: %w", ActiveSubsKey, err)
	}
	return s.store.Set(ctx, ActiveSubsKey, string(raw))
}

func (s *Supervisor) loadQueue(ctx context.Context) (pendingQueue, error) {
	raw, err := s.store.Get(ctx, PendingQueueKey)
	if errors.Is(err, store.ErrKeyMissing) {
		return make(pendingQueue), nil
	}
	if err != nil {
		return nil, err
	}
	var queue pendingQueue
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PendingQueueKey, err)
	}
	if queue == nil {
		queue = make(pendingQueue)
	}
	return queue, nil
}

func (s *Supervisor) saveQueue(ctx context.Context, queue pendingQueue) error {
	raw, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("serialise %s: %w", PendingQueueKey, err)
	}
	return s.store.Set(ctx, PendingQueueKey, string(raw))
}
