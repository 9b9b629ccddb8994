// Package relay decides, per outgoing notification, whether to publish
// immediately or park the payload in the pending queue, and publishes
// presence notices on per-user master channels. Every payload leaving this
// package is wrapped in the cryptographic envelope first; the broker never
// observes plaintext.
package relay

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"

	"ssr-relay/internal/envelope"
	"ssr-relay/internal/naming"
	"ssr-relay/internal/observability/metrics"
	"ssr-relay/internal/store"
	"ssr-relay/internal/supervisor"
)

// Config configures a Relay.
type Config struct {
	Supervisor *supervisor.Supervisor
	Store      store.Store
	PublicKey  *rsa.PublicKey
	PrivateKey *rsa.PrivateKey
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Relay routes encrypted notifications through the shared broker.
type Relay struct {
	supervisor *supervisor.Supervisor
	store      store.Store
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

type ssrPayload struct {
	SSRs json.RawMessage `json:"SSRs"`
}

type presenceNotice struct {
	Channel  string              `json:"channel"`
	UserInfo supervisor.Presence `json:"userInfo"`
}

// New initialises a relay using the provided configuration.
func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		supervisor: cfg.Supervisor,
		store:      cfg.Store,
		publicKey:  cfg.PublicKey,
		privateKey: cfg.PrivateKey,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// PublishOrQueue encrypts the notification and publishes it when the channel
// has live subscribers, parking it in the pending queue otherwise. The
// subscriber check is a liveness hint only: a subscriber joining between the
// check and the publish recovers the payload through the queue drain, so
// delivery is eventual, not ordered.
func (r *Relay) PublishOrQueue(ctx context.Context, channel string, ssrs json.RawMessage) error {
	sealed, err := r.seal(ssrPayload{SSRs: ssrs})
	if err != nil {
		return err
	}
	has, err := r.supervisor.HasSubscribers(ctx, channel)
	if err != nil {
		return err
	}
	if has {
		r.logger.Info("publishing notification", "channel", channel)
		if err := r.store.Publish(ctx, channel, sealed); err != nil {
			return err
		}
		r.metrics.ObserveRelayEvent(metrics.EventPublished)
		return nil
	}
	r.logger.Info("queueing notification pending subscribers", "channel", channel)
	return r.supervisor.QueueMessage(ctx, channel, sealed)
}

// NotifyPresenceChange publishes the user's presence snapshot on their master
// channel so a global-view client sees join/leave events for any of the
// user's application channels. Only the client-visible subchannel name is
// exposed in the notice.
func (r *Relay) NotifyPresenceChange(ctx context.Context, identity, changedChannel, masterChannel string) error {
	snapshot, err := r.supervisor.AllSubscriptionsForUser(ctx, identity)
	if err != nil {
		return err
	}
	sealed, err := r.seal(presenceNotice{
		Channel:  naming.ClientName(changedChannel),
		UserInfo: snapshot,
	})
	if err != nil {
		return err
	}
	if err := r.store.Publish(ctx, masterChannel, sealed); err != nil {
		return err
	}
	r.metrics.ObserveRelayEvent(metrics.EventPresence)
	return nil
}

// Decrypt recovers the plaintext of a broker payload for forwarding to a
// client socket.
func (r *Relay) Decrypt(payload string) ([]byte, error) {
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", envelope.ErrDecryptionFailed)
	}
	return envelope.Decrypt(env, r.privateKey)
}

func (r *Relay) seal(value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("serialise payload: %w", err)
	}
	env, err := envelope.Encrypt(plaintext, r.publicKey)
	if err != nil {
		return "", err
	}
	sealed, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("serialise envelope: %w", err)
	}
	return string(sealed), nil
}
