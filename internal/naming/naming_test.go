package naming_test

import (
	"testing"

	"ssr-relay/internal/naming"
)

func TestUserHashDeterministic(t *testing.T) {
	first := naming.UserHash("alice@example.com")
	second := naming.UserHash("alice@example.com")
	if first != second {
		t.Fatalf("same principal produced different hashes: %q vs %q", first, second)
	}
	if len(first) != 32 {
		t.Fatalf("expected 32 hex characters, got %d (%q)", len(first), first)
	}
	if other := naming.UserHash("bob@example.com"); other == first {
		t.Fatalf("distinct principals collided on %q", first)
	}
}

func TestCompose(t *testing.T) {
	hash := naming.UserHash("alice@example.com")
	channel := naming.Compose("chat", hash, "room1")
	want := "chat_" + hash + "_room1"
	if channel != want {
		t.Fatalf("compose = %q, want %q", channel, want)
	}
}

func TestMasterChannel(t *testing.T) {
	hash := naming.UserHash("alice@example.com")
	channel := naming.MasterChannel(naming.DefaultMasterApp, hash)
	if got, want := channel, "globalsearch_"+hash+"_master"; got != want {
		t.Fatalf("master channel = %q, want %q", got, want)
	}
	if !naming.IsMaster(channel) {
		t.Fatalf("expected %q to be recognised as a master channel", channel)
	}
}

func TestClientName(t *testing.T) {
	cases := map[string]string{
		"chat_abc123_room1": "room1",
		"room1":             "room1",
		"a_b_c_d":           "d",
	}
	for channel, want := range cases {
		if got := naming.ClientName(channel); got != want {
			t.Fatalf("ClientName(%q) = %q, want %q", channel, got, want)
		}
	}
}

func TestIsMasterRejectsApplicationChannels(t *testing.T) {
	hash := naming.UserHash("alice@example.com")
	if naming.IsMaster(naming.Compose("chat", hash, "room1")) {
		t.Fatal("application channel misclassified as master")
	}
}
