// Package gateway terminates client websocket connections and drives the
// relay components: every inbound frame is authenticated, classified, and
// routed to a publish, subscribe, or keep-alive path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"ssr-relay/internal/auth"
	"ssr-relay/internal/naming"
	"ssr-relay/internal/observability/logging"
	"ssr-relay/internal/observability/metrics"
	"ssr-relay/internal/relay"
	"ssr-relay/internal/store"
	"ssr-relay/internal/supervisor"
)

const (
	sendBufferSize    = 16
	publishRetryWait  = 250 * time.Millisecond
	teardownTimeout   = 5 * time.Second
	controlWriteGrace = 5 * time.Second
)

// Config configures a Gateway.
type Config struct {
	Auth       auth.Authenticator
	Supervisor *supervisor.Supervisor
	Relay      *relay.Relay
	Store      store.Store
	// MasterApp is the application segment of per-user master channels.
	// Empty selects the compatibility default.
	MasterApp string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// HeartbeatInterval controls how often the gateway pings clients. A zero
	// value disables heartbeats.
	HeartbeatInterval time.Duration
	// CheckOrigin overrides the upgrader's origin policy. Nil accepts any
	// origin, matching the open-relay deployment model.
	CheckOrigin func(*http.Request) bool
}

// Gateway upgrades relay clients to websocket connections and supervises one
// goroutine group per connection.
type Gateway struct {
	auth       auth.Authenticator
	supervisor *supervisor.Supervisor
	relay      *relay.Relay
	store      store.Store
	masterApp  string
	logger     *slog.Logger
	metrics    *metrics.Recorder

	heartbeatInterval time.Duration
	upgrader          websocket.Upgrader
}

// New initialises a gateway using the provided configuration.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	masterApp := cfg.MasterApp
	if masterApp == "" {
		masterApp = naming.DefaultMasterApp
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		auth:              cfg.Auth,
		supervisor:        cfg.Supervisor,
		relay:             cfg.Relay,
		store:             cfg.Store,
		masterApp:         masterApp,
		logger:            logger,
		metrics:           cfg.Metrics,
		heartbeatInterval: cfg.HeartbeatInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// HandleConnection upgrades the request and runs the connection until it
// closes. The credential is extracted once here and re-verified on every
// inbound message.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	credential, err := auth.CredentialFromRequest(r)
	if err != nil {
		g.metrics.ObserveRelayEvent(metrics.EventAuthFailure)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		gateway:    g,
		conn:       conn,
		id:         uuid.NewString(),
		credential: credential,
		send:       make(chan []byte, sendBufferSize),
	}
	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()
	c.run()
}

type connState int

const (
	stateUnbound connState = iota
	stateBound
)

type client struct {
	gateway    *Gateway
	conn       *websocket.Conn
	id         string
	credential string
	send       chan []byte

	// Owned by the read loop; no lock needed.
	state   connState
	channel string
	master  string
	user    supervisor.UserInfo
}

func (c *client) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.ContextWithConnectionID(ctx, c.id)

	group, ctx := errgroup.WithContext(ctx)
	// Closing the socket is the only way to unblock a pending read once the
	// group context ends.
	group.Go(func() error {
		<-ctx.Done()
		return c.conn.Close()
	})
	group.Go(func() error { return c.writeLoop(ctx) })
	group.Go(func() error { return c.readLoop(ctx) })
	if c.gateway.heartbeatInterval > 0 {
		group.Go(func() error { return c.heartbeatLoop(ctx) })
	}
	if err := group.Wait(); err != nil && !isClosedConn(err) {
		logging.WithContext(ctx, c.gateway.logger).Info("connection ended", "error", err)
	}
	c.teardown()
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.gateway.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deadline := time.Now().Add(controlWriteGrace)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) error {
	logger := logging.WithContext(ctx, c.gateway.logger)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := ParseInbound(payload)
		if err != nil {
			logger.Debug("rejecting malformed message", "error", err)
			c.sendError("invalid payload")
			continue
		}
		identity, err := c.gateway.auth.Authenticate(ctx, c.credential)
		if err != nil {
			c.gateway.metrics.ObserveRelayEvent(metrics.EventAuthFailure)
			logger.Warn("authentication failed, closing connection", "error", err)
			return err
		}
		switch msg.Kind {
		case KindKeepAlive:
			continue
		case KindPublish:
			c.handlePublish(ctx, identity, msg)
		case KindSubscribe:
			if err := c.handleSubscribe(ctx, identity, msg); err != nil {
				return err
			}
		}
	}
}

// handlePublish resolves the target channel and relays the payload. Store
// outages get one retry after a short wait, then the message is dropped with a
// log line; the connection stays up.
func (c *client) handlePublish(ctx context.Context, identity auth.Identity, msg Inbound) {
	logger := logging.WithContext(ctx, c.gateway.logger)
	channel, err := c.resolveTarget(ctx, identity, msg)
	if err != nil {
		logger.Warn("dropping publish for unknown target", "target", msg.TargetUser, "error", err)
		c.gateway.metrics.ObserveRelayEvent(metrics.EventDropped)
		return
	}
	err = c.gateway.relay.PublishOrQueue(ctx, channel, msg.SSRs)
	if errors.Is(err, store.ErrUnavailable) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(publishRetryWait):
		}
		err = c.gateway.relay.PublishOrQueue(ctx, channel, msg.SSRs)
	}
	if err != nil {
		logger.Warn("dropping publish", "channel", channel, "error", err)
		c.gateway.metrics.ObserveRelayEvent(metrics.EventDropped)
	}
}

func (c *client) resolveTarget(ctx context.Context, identity auth.Identity, msg Inbound) (string, error) {
	principal := identity.Principal
	if msg.TargetUser != "" {
		info, err := c.gateway.supervisor.SubscriptionInfoFor(ctx, msg.TargetUser)
		if err != nil {
			return "", err
		}
		principal = info.Principal
	}
	return naming.Compose(msg.App, naming.UserHash(principal), msg.Channel), nil
}

// handleSubscribe binds the connection to its channel: broker subscription
// first, then the shared record, then the pending-queue drain, then the
// presence notice. A returned error closes the connection; store failures
// during bind are fatal to the session.
func (c *client) handleSubscribe(ctx context.Context, identity auth.Identity, msg Inbound) error {
	logger := logging.WithContext(ctx, c.gateway.logger)
	if c.state == stateBound {
		logger.Warn("rejecting second subscribe on bound connection", "channel", msg.Channel)
		c.sendError("connection already bound")
		return nil
	}

	userHash := naming.UserHash(identity.Principal)
	channel := naming.Compose(msg.App, userHash, msg.Channel)
	master := naming.MasterChannel(c.gateway.masterApp, userHash)
	ctx = logging.ContextWithChannel(ctx, channel)
	logger = logging.WithContext(ctx, c.gateway.logger)

	handle, err := c.gateway.store.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	user, err := c.gateway.supervisor.Subscribe(ctx, channel, supervisor.UserInfo{
		Principal: identity.Principal,
		Name:      identity.Name,
	}, supervisor.AppInfo{AppName: msg.App, Channel: msg.Channel})
	if err != nil {
		_ = handle.Close()
		return err
	}
	if err := c.gateway.supervisor.BindReady(ctx, c.id, handle, channel); err != nil {
		// The subscription record exists; undo it before failing the session.
		if _, uerr := c.gateway.supervisor.Unsubscribe(ctx, channel, c.id, user); uerr != nil {
			logger.Warn("rollback unsubscribe failed", "error", uerr)
		}
		return err
	}

	c.state = stateBound
	c.channel = channel
	c.master = master
	c.user = user
	go c.forwardLoop(ctx, handle)

	if err := c.gateway.relay.NotifyPresenceChange(ctx, user.MD5, channel, master); err != nil {
		logger.Warn("presence notice failed", "error", err)
	}
	logger.Info("connection bound", "identity", user.MD5)
	return nil
}

// forwardLoop decrypts broker payloads and writes the plaintext to the
// socket. An undecryptable message is dropped alone; the loop continues.
func (c *client) forwardLoop(ctx context.Context, handle store.Subscription) {
	logger := logging.WithContext(ctx, c.gateway.logger)
	for msg := range handle.Messages() {
		plaintext, err := c.gateway.relay.Decrypt(msg.Payload)
		if err != nil {
			logger.Warn("dropping undecryptable message", "error", err)
			c.gateway.metrics.ObserveRelayEvent(metrics.EventDecryptFailure)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case c.send <- plaintext:
			c.gateway.metrics.ObserveRelayEvent(metrics.EventDelivered)
		}
	}
}

// teardown removes the connection's subscription record and, for
// non-master channels, announces the departure on the master channel. It runs
// on its own context so a cancelled session can still clean up shared state.
func (c *client) teardown() {
	if c.state != stateBound {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	ctx = logging.ContextWithConnectionID(ctx, c.id)
	ctx = logging.ContextWithChannel(ctx, c.channel)
	logger := logging.WithContext(ctx, c.gateway.logger)

	identity, err := c.gateway.supervisor.Unsubscribe(ctx, c.channel, c.id, c.user)
	switch {
	case errors.Is(err, supervisor.ErrNoSubscription):
		logger.Warn("no subscription record found on close")
		return
	case err != nil:
		logger.Error("unsubscribe failed on close", "error", err)
		return
	}
	if c.channel == c.master {
		return
	}
	if err := c.gateway.relay.NotifyPresenceChange(ctx, identity, c.channel, c.master); err != nil {
		logger.Warn("departure presence notice failed", "error", err)
	}
}

func (c *client) sendError(message string) {
	payload, _ := json.Marshal(map[string]string{"error": message})
	select {
	case c.send <- payload:
	default:
	}
}

func isClosedConn(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
