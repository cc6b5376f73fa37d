package olshare

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/onlocal/pkg/protocol"
)

// Reconnect backoff bounds
const (
	BackoffMin = 1 * time.Second
	BackoffMax = 60 * time.Second
)

// Client is a tunnel client: it keeps a control channel open to the relay and
// serves forwarded traffic from a local port. All connection state is owned
// by a single loop goroutine.
type Client struct {
	ShutdownHelper
	config      Config
	local       *LocalForwarder
	dialer      *websocket.Dialer
	localDialer *websocket.Dialer
	ctx         context.Context
	cancel      context.CancelFunc
	events      chan func()
	loopDone    chan struct{}
	connStats   ConnStats
	streamStats ConnStats

	// owned by loop
	started    bool
	clientID   string
	backoff    *backoff.Backoff
	attempt    int
	isRetry    bool
	forcing    bool
	dialing    bool
	control    *wsPeer
	retryTimer *time.Timer
	streams    map[string]*localStream
	dispatcher *Dispatcher
	announced  string
}

// NewClient creates a new client instance. It does not connect until Start.
func NewClient(config *Config) (*Client, error) {
	c := *config
	if c.Port < 1 || c.Port > 65535 {
		return nil, fmt.Errorf("client: invalid port %d", c.Port)
	}
	if c.RelayURL == "" {
		c.RelayURL = DefaultRelayURL
	}
	if c.LocalHost == "" {
		c.LocalHost = "localhost"
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.LogLevel == LogLevelUnknown {
		c.LogLevel = LogLevelInfo
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	if _, err := controlURL(c.RelayURL, ""); err != nil {
		return nil, err
	}

	logger := NewLoggerWithWriter(c.LogOutput, "client", c.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		config: c,
		local:  NewLocalForwarder(logger, c.LocalHost, c.Port, c.LocalTimeout),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 45 * time.Second,
		},
		localDialer: &websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan func()),
		loopDone:   make(chan struct{}),
		backoff:    &backoff.Backoff{Min: BackoffMin, Max: BackoffMax, Factor: 2},
		streams:    make(map[string]*localStream),
		dispatcher: NewDispatcher(c.MaxConcurrent),
	}
	client.InitShutdownHelper(logger, client)
	go client.loop()
	return client, nil
}

func (c *Client) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.ShutdownStartedChan():
			c.teardown()
			return
		}
	}
}

// post hands fn to the loop. It returns false if the loop has exited.
func (c *Client) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.loopDone:
		return false
	}
}

// query runs fn on the loop and waits for it
func (c *Client) query(fn func()) bool {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return false
	}
	<-done
	return true
}

// Run starts the client and blocks until it shuts down
func (c *Client) Run(ctx context.Context) error {
	c.Start(ctx)
	return c.WaitShutdown()
}

// Start opens the control channel and returns without blocking
func (c *Client) Start(ctx context.Context) {
	c.ShutdownOnContext(ctx)
	c.post(func() {
		if c.started {
			return
		}
		c.started = true
		c.ILogf("Connecting to %s", c.config.RelayURL)
		c.connect()
	})
}

// ForceReconnect drops the live control channel, if any, and reconnects
// immediately with the backoff reset
func (c *Client) ForceReconnect() {
	c.post(func() {
		c.ILogf("Force reconnecting...")
		if c.control != nil {
			c.forcing = true
			c.control.Close()
			return
		}
		c.stopRetry()
		c.resetBackoff()
		c.connect()
	})
}

// ClientID returns the clientId learned from the relay, or ""
func (c *Client) ClientID() string {
	var id string
	c.query(func() { id = c.clientID })
	return id
}

// Connected reports whether a control channel is open
func (c *Client) Connected() bool {
	var ok bool
	c.query(func() { ok = c.control != nil })
	return ok
}

// BackoffDelay returns the delay the next unclean close will wait before reconnecting
func (c *Client) BackoffDelay() time.Duration {
	var d time.Duration
	c.query(func() { d = c.backoff.ForAttempt(float64(c.attempt + 1)) })
	return d
}

// HandleOnceShutdown stops the loop, which closes the control channel and
// every local stream
func (c *Client) HandleOnceShutdown(completionErr error) error {
	c.cancel()
	<-c.loopDone
	if completionErr == context.Canceled {
		completionErr = nil
	}
	return completionErr
}

func (c *Client) connect() {
	if c.dialing || c.control != nil || c.IsStartedShutdown() {
		return
	}
	u, err := controlURL(c.config.RelayURL, c.clientID)
	if err != nil {
		c.ELogf("%s", err)
		return
	}
	c.dialing = true
	header := http.Header{ControlHeader: {ProtocolVersion}}
	c.DLogf("Dialing %s", u)
	go func() {
		conn, _, err := c.dialer.DialContext(c.ctx, u, header)
		if !c.post(func() { c.onDialed(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Client) onDialed(conn *websocket.Conn, err error) {
	c.dialing = false
	if err != nil {
		c.WLogf("Connection error: %s", err)
		c.forcing = false
		c.scheduleReconnect()
		return
	}
	c.control = newWSPeer(c.Logger.Fork("control"), RoleControl, conn, DefaultControlBacklog)
	c.connStats.New()
	if c.isRetry {
		c.DLogf("Reconnected after %d attempts", c.attempt)
	}
	c.resetBackoff()
	c.ILogf("%s Connected to relay, proxying to %s:%d", &c.connStats, c.config.LocalHost, c.config.Port)
	go c.readControl(c.control)
}

func (c *Client) scheduleReconnect() {
	if c.IsStartedShutdown() {
		return
	}
	c.stopRetry()
	c.attempt++
	c.isRetry = true
	d := c.backoff.ForAttempt(float64(c.attempt))
	c.ILogf("Retrying in %s...", d)
	c.retryTimer = time.AfterFunc(d, func() {
		c.post(func() {
			c.retryTimer = nil
			c.connect()
		})
	})
}

// resetBackoff runs on every successful open, so each outage starts again
// from the minimum delay
func (c *Client) resetBackoff() {
	c.attempt = 0
	c.isRetry = false
	c.backoff.Reset()
}

func (c *Client) stopRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) readControl(peer *wsPeer) {
	for {
		msgType, data, err := peer.conn.ReadMessage()
		if err != nil {
			code, reason := readCloseStatus(err)
			c.post(func() { c.onControlClosed(peer, code, reason) })
			return
		}
		if msgType != websocket.TextMessage {
			peer.DLogf("Dropping non-text control frame")
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			peer.WLogf("Dropping control frame: %s", err)
			continue
		}
		if !c.post(func() { c.onControlMessage(peer, msg) }) {
			return
		}
	}
}

func (c *Client) sendIfCurrent(peer *wsPeer, m protocol.Message) error {
	if peer == nil || peer != c.control {
		return errPeerClosed
	}
	err := peer.SendMessage(m)
	if err != nil {
		peer.DLogf("send %s failed: %s", m.Type(), err)
	}
	return err
}

func (c *Client) onControlMessage(peer *wsPeer, msg protocol.Message) {
	if peer != c.control {
		return
	}
	switch m := msg.(type) {
	case *protocol.Tunnel:
		c.onTunnel(m.URL)
	case *protocol.Request:
		c.dispatch(peer, m)
	case *protocol.WsOpen:
		c.openStream(peer, m)
	case *protocol.WsFrame:
		s, ok := c.streams[m.StreamID]
		if !ok {
			c.DLogf("[WS] No local socket for streamId: %s", m.StreamID)
			return
		}
		switch err := s.deliver(m); err {
		case nil:
		case errPeerBacklog:
			c.overflowStream(s)
		default:
			c.DLogf("[WS] Frame dropped for %s: %s", s.path, err)
		}
	case *protocol.WsClose:
		s, ok := c.streams[m.StreamID]
		if !ok {
			c.DLogf("[WS] No local socket to close for streamId: %s", m.StreamID)
			return
		}
		delete(c.streams, m.StreamID)
		c.streamStats.Close()
		c.ILogf("[WS] CLOSED %s by relay (%d %s)", s.path, m.CloseCode(), m.Reason)
		s.shut(m.CloseCode(), m.Reason)
	case *protocol.Ping:
		peer.SendMessage(&protocol.Pong{})
	case *protocol.Pong:
	default:
		c.WLogf("Ignoring unexpected %s message from relay", msg.Type())
	}
}

func (c *Client) onTunnel(publicURL string) {
	if id := clientIDFromTunnelURL(publicURL, c.config.RelayURL); id != "" {
		c.clientID = id
	} else {
		c.WLogf("Could not find a clientId in tunnel URL %s", publicURL)
	}
	if publicURL == c.announced {
		c.DLogf("Tunnel re-established at %s", publicURL)
		return
	}
	c.announced = publicURL
	c.ILogf("Tunnel established: %s", publicURL)
	if c.config.OnTunnel != nil {
		c.config.OnTunnel(publicURL)
	}
}

func (c *Client) dispatch(peer *wsPeer, req *protocol.Request) {
	c.dispatcher.Submit(func() {
		go func() {
			resp := c.local.Forward(c.ctx, req)
			c.post(func() {
				c.dispatcher.Done()
				if resp != nil {
					c.sendIfCurrent(peer, resp)
				}
			})
		}()
	})
	if q := c.dispatcher.Queued(); q > 0 {
		c.DLogf("%d requests in flight (peak %d), %d queued", c.dispatcher.Active(), c.dispatcher.Peak(), q)
	}
}

// dropConnection closes every local stream and forgets queued requests
func (c *Client) dropConnection() {
	for id, s := range c.streams {
		s.shut(protocol.CloseGoingAway, "Tunnel disconnected")
		delete(c.streams, id)
		c.streamStats.Close()
	}
	if n := c.dispatcher.DropQueued(); n > 0 {
		c.DLogf("Dropped %d queued requests", n)
	}
}

func (c *Client) onControlClosed(peer *wsPeer, code int, reason string) {
	if peer != c.control {
		return
	}
	c.control = nil
	c.connStats.Close()
	peer.Close()
	c.dropConnection()

	switch {
	case c.IsStartedShutdown():
	case c.forcing:
		c.forcing = false
		c.stopRetry()
		c.resetBackoff()
		c.connect()
	case code != protocol.CloseNormal:
		c.WLogf("Disconnected from relay (%d %s)", code, reason)
		c.scheduleReconnect()
	default:
		c.ILogf("Disconnected from relay")
	}
}

func (c *Client) teardown() {
	c.stopRetry()
	if c.control != nil {
		c.control.CloseWith(protocol.CloseGoingAway, "Client shutting down")
		c.control = nil
		c.connStats.Close()
	}
	c.dropConnection()
}

// controlURL normalizes a relay address into its /ws control endpoint,
// requesting clientID when one is known
func controlURL(relay, clientID string) (string, error) {
	if !strings.Contains(relay, "://") {
		relay = "wss://" + relay
	}
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL %q: %w", relay, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid relay URL %q: unsupported scheme", relay)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay URL %q: no host", relay)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/ws"
	u.RawPath = ""
	q := url.Values{}
	if clientID != "" {
		q.Set("clientId", clientID)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// clientIDFromTunnelURL extracts the clientId from an announced public URL:
// the label in front of the relay's domain, or the first path segment when
// the relay routes by path
func clientIDFromTunnelURL(publicURL, relay string) string {
	pu, err := url.Parse(publicURL)
	if err != nil {
		return ""
	}
	domain := "localhost"
	if !strings.Contains(relay, "://") {
		relay = "wss://" + relay
	}
	if ru, err := url.Parse(relay); err == nil && ru.Hostname() != "" {
		domain = strings.ToLower(ru.Hostname())
	}
	host := strings.ToLower(pu.Hostname())
	re := regexp.MustCompile(`^(` + clientIDPattern + `)\.` + regexp.QuoteMeta(domain) + `$`)
	if m := re.FindStringSubmatch(host); m != nil {
		return m[1]
	}
	if seg := strings.SplitN(strings.TrimPrefix(pu.Path, "/"), "/", 2)[0]; clientIDRegexp.MatchString(seg) {
		return seg
	}
	return ""
}
