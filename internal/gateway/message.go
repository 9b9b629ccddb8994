package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies an inbound client message.
type Kind int

const (
	// KindKeepAlive is a liveness ping; no further processing happens.
	KindKeepAlive Kind = iota
	// KindPublish carries a notification payload to relay.
	KindPublish
	// KindSubscribe binds the connection to a channel.
	KindSubscribe
)

// Inbound is the parsed form of a client message. The wire shape is sniffed
// exactly once here; everything downstream switches on Kind.
type Inbound struct {
	Kind       Kind
	App        string
	Channel    string
	TargetUser string
	SSRs       json.RawMessage
}

const keepAliveStatus = "keep-alive"

type wireMessage struct {
	App     string          `json:"app"`
	Channel string          `json:"channel"`
	Status  string          `json:"status,omitempty"`
	SSRs    json.RawMessage `json:"SSRs,omitempty"`
	User    string          `json:"user,omitempty"`
}

// ParseInbound decodes a client frame into its tagged variant. A status of
// "keep-alive" wins over everything else; a present SSRs field means publish;
// anything else is a subscribe request for the sender's own identity.
func ParseInbound(raw []byte) (Inbound, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Inbound{}, fmt.Errorf("parse message: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(wire.Status), keepAliveStatus) {
		return Inbound{Kind: KindKeepAlive}, nil
	}
	app := strings.TrimSpace(wire.App)
	channel := strings.TrimSpace(wire.Channel)
	if app == "" || channel == "" {
		return Inbound{}, fmt.Errorf("parse message: app and channel are required")
	}
	if len(wire.SSRs) > 0 {
		return Inbound{
			Kind:       KindPublish,
			App:        app,
			Channel:    channel,
			TargetUser: strings.TrimSpace(wire.User),
			SSRs:       wire.SSRs,
		}, nil
	}
	return Inbound{Kind: KindSubscribe, App: app, Channel: channel}, nil
}
