package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ssr-relay/internal/store"
	"ssr-relay/internal/supervisor"
)

func newSupervisor(t *testing.T, s store.Store) *supervisor.Supervisor {
	t.Helper()
	supv, err := supervisor.New(context.Background(), supervisor.Config{Store: s})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return supv
}

func loadTable(t *testing.T, s store.Store) map[string][]supervisor.SubscriptionRecord {
	t.Helper()
	raw, err := s.Get(context.Background(), supervisor.ActiveSubsKey)
	if err != nil {
		t.Fatalf("get subscriptions: %v", err)
	}
	var table map[string][]supervisor.SubscriptionRecord
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		t.Fatalf("parse subscriptions: %v", err)
	}
	return table
}

func loadQueue(t *testing.T, s store.Store) map[string]string {
	t.Helper()
	raw, err := s.Get(context.Background(), supervisor.PendingQueueKey)
	if err != nil {
		t.Fatalf("get queue: %v", err)
	}
	var queue map[string]string
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		t.Fatalf("parse queue: %v", err)
	}
	return queue
}

func TestNewInitialisesSharedRecords(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	newSupervisor(t, s)

	for _, key := range []string{supervisor.PendingQueueKey, supervisor.ActiveSubsKey} {
		value, err := s.Get(context.Background(), key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if value != "{}" {
			t.Fatalf("%s = %q, want empty record", key, value)
		}
	}
}

func TestNewPreservesExistingRecordsWithoutReset(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	seeded := `{"chan":[{"appInfo":{"appName":"chat","channel":"room1"},"userInfo":{"principal":"alice"}}]}`
	if err := s.Set(ctx, supervisor.ActiveSubsKey, seeded); err != nil {
		t.Fatalf("seed: %v", err)
	}
	newSupervisor(t, s)

	value, err := s.Get(ctx, supervisor.ActiveSubsKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != seeded {
		t.Fatalf("existing record overwritten: %q", value)
	}
}

func TestNewResetClearsRecords(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	if err := s.Set(ctx, supervisor.ActiveSubsKey, `{"chan":[]}`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := supervisor.New(ctx, supervisor.Config{Store: s, Reset: true}); err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	value, err := s.Get(ctx, supervisor.ActiveSubsKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "{}" {
		t.Fatalf("reset left %q", value)
	}
}

func TestSubscribeAssignsIdentityAndDeduplicates(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx := context.Background()

	user := supervisor.UserInfo{Principal: "alice@example.com", Name: "Alice"}
	app := supervisor.AppInfo{AppName: "chat", Channel: "room1"}
	stored, err := supv.Subscribe(ctx, "chat_hash_room1", user, app)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if stored.MD5 == "" {
		t.Fatal("identity digest not assigned")
	}
	if stored.MD5 != user.Digest() {
		t.Fatalf("digest = %q, want %q", stored.MD5, user.Digest())
	}

	// Same identity again: the table must not grow.
	if _, err := supv.Subscribe(ctx, "chat_hash_room1", user, app); err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}
	table := loadTable(t, s)
	if got := len(table["chat_hash_room1"]); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}

	other := supervisor.UserInfo{Principal: "bob@example.com"}
	if _, err := supv.Subscribe(ctx, "chat_hash_room1", other, app); err != nil {
		t.Fatalf("second identity subscribe: %v", err)
	}
	if got := len(loadTable(t, s)["chat_hash_room1"]); got != 2 {
		t.Fatalf("records = %d, want 2", got)
	}
}

func TestUnsubscribeRemovesRecordAndEmptyChannelKey(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx := context.Background()

	user := supervisor.UserInfo{Principal: "alice@example.com"}
	app := supervisor.AppInfo{AppName: "chat", Channel: "room1"}
	if _, err := supv.Subscribe(ctx, "chan", user, app); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	identity, err := supv.Unsubscribe(ctx, "chan", "conn-1", user)
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if identity != user.Digest() {
		t.Fatalf("identity = %q, want %q", identity, user.Digest())
	}
	table := loadTable(t, s)
	if _, present := table["chan"]; present {
		t.Fatal("empty channel key left behind")
	}
}

func TestUnsubscribeUnmatchedReturnsError(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)

	_, err := supv.Unsubscribe(context.Background(), "chan", "conn-1", supervisor.UserInfo{Principal: "ghost"})
	if !errors.Is(err, supervisor.ErrNoSubscription) {
		t.Fatalf("got %v, want ErrNoSubscription", err)
	}
}

func TestTableNeverHoldsEmptyCollections(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx := context.Background()

	users := []supervisor.UserInfo{
		{Principal: "a@example.com"},
		{Principal: "b@example.com"},
		{Principal: "c@example.com"},
	}
	app := supervisor.AppInfo{AppName: "chat", Channel: "room1"}
	for _, user := range users {
		if _, err := supv.Subscribe(ctx, "chan", user, app); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	for _, user := range users {
		if _, err := supv.Unsubscribe(ctx, "chan", "conn", user); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
		for channel, records := range loadTable(t, s) {
			if len(records) == 0 {
				t.Fatalf("channel %q maps to empty collection", channel)
			}
		}
	}
}

func TestQueueMessageLastWriteWins(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx := context.Background()

	if err := supv.QueueMessage(ctx, "chan", "first"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := supv.QueueMessage(ctx, "chan", "second"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	queue := loadQueue(t, s)
	if queue["chan"] != "second" {
		t.Fatalf("queue entry = %q, want %q", queue["chan"], "second")
	}
}

func TestBindReadyDrainsPendingExactlyOnce(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := supv.QueueMessage(ctx, "chan", "m1"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := supv.QueueMessage(ctx, "chan", "m2"); err != nil {
		t.Fatalf("queue: %v", err)
	}

	sub, err := s.Subscribe(ctx, "chan")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := supv.BindReady(ctx, "conn-1", sub, "chan"); err != nil {
		t.Fatalf("bind ready: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg.Payload != "m2" {
			t.Fatalf("drained %q, want %q (last write wins)", msg.Payload, "m2")
		}
	case <-time.After(time.Second):
		t.Fatal("pending message not drained")
	}
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected second delivery %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
	if _, pending := loadQueue(t, s)["chan"]; pending {
		t.Fatal("queue entry not removed after drain")
	}

	// A later binder must find nothing to drain.
	if err := supv.BindReady(ctx, "conn-2", sub, "chan"); err != nil {
		t.Fatalf("second bind ready: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		t.Fatalf("drained twice: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHasSubscribers(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx := context.Background()

	has, err := supv.HasSubscribers(ctx, "chan")
	if err != nil {
		t.Fatalf("has subscribers: %v", err)
	}
	if has {
		t.Fatal("empty table reported subscribers")
	}
	if _, err := supv.Subscribe(ctx, "chan", supervisor.UserInfo{Principal: "a"}, supervisor.AppInfo{AppName: "chat", Channel: "room1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	has, err = supv.HasSubscribers(ctx, "chan")
	if err != nil {
		t.Fatalf("has subscribers: %v", err)
	}
	if !has {
		t.Fatal("subscriber not reported")
	}
}

func TestAllSubscriptionsForUserGroupsByIdentityExcludingMaster(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx := context.Background()

	alice := supervisor.UserInfo{Principal: "alice@example.com", Name: "Alice"}
	bob := supervisor.UserInfo{Principal: "bob@example.com", Name: "Bob"}
	if _, err := supv.Subscribe(ctx, "chat_a_room1", alice, supervisor.AppInfo{AppName: "chat", Channel: "room1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := supv.Subscribe(ctx, "chat_a_room2", alice, supervisor.AppInfo{AppName: "chat", Channel: "room2"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := supv.Subscribe(ctx, "globalsearch_a_master", alice, supervisor.AppInfo{AppName: "globalsearch", Channel: "master"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := supv.Subscribe(ctx, "chat_b_room1", bob, supervisor.AppInfo{AppName: "chat", Channel: "room1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	snapshot, err := supv.AllSubscriptionsForUser(ctx, alice.Digest())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Self != alice.Digest() {
		t.Fatalf("self = %q, want %q", snapshot.Self, alice.Digest())
	}
	if len(snapshot.Users) != 2 {
		t.Fatalf("users = %d, want 2", len(snapshot.Users))
	}
	entry := snapshot.Users[alice.Digest()]
	if entry.Name != "Alice" {
		t.Fatalf("name = %q", entry.Name)
	}
	if len(entry.AppInfo) != 2 {
		t.Fatalf("alice appInfo = %d, want 2 (master excluded)", len(entry.AppInfo))
	}
	for _, info := range entry.AppInfo {
		if info.Channel == "master" {
			t.Fatal("master subscription leaked into presence snapshot")
		}
	}
}

func TestSubscriptionInfoFor(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx := context.Background()

	user := supervisor.UserInfo{Principal: "alice@example.com", Name: "Alice"}
	stored, err := supv.Subscribe(ctx, "chan", user, supervisor.AppInfo{AppName: "chat", Channel: "room1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	info, err := supv.SubscriptionInfoFor(ctx, stored.MD5)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.Principal != user.Principal {
		t.Fatalf("principal = %q", info.Principal)
	}

	if _, err := supv.SubscriptionInfoFor(ctx, "unknown"); !errors.Is(err, supervisor.ErrNoSubscription) {
		t.Fatalf("unknown identity: got %v, want ErrNoSubscription", err)
	}
}

func TestConcurrentSubscribesLoseNoUpdates(t *testing.T) {
	s := store.NewMemoryStore(0)
	defer s.Close()
	supv := newSupervisor(t, s)
	ctx := context.Background()

	const workers = 12
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		principal := string(rune('a'+i)) + "@example.com"
		go func() {
			defer wg.Done()
			_, err := supv.Subscribe(ctx, "chan", supervisor.UserInfo{Principal: principal}, supervisor.AppInfo{AppName: "chat", Channel: "room1"})
			if err != nil {
				t.Errorf("subscribe %s: %v", principal, err)
			}
		}()
	}
	wg.Wait()

	if got := len(loadTable(t, s)["chan"]); got != workers {
		t.Fatalf("records = %d, want %d: lost update under concurrency", got, workers)
	}
}
