package olshare

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/requestlog"
)

// ServerConfig is the configuration for the relay
type ServerConfig struct {
	// Addr is the bind address, e.g. ":8787"
	Addr string

	// Domain is the apex domain public tunnels live under
	Domain string

	// PublicPort is the port shown in public URLs; 0 omits it
	PublicPort int

	// Secure selects https public URLs
	Secure bool

	// PathRouting routes /<clientId>/... on the apex domain instead of
	// <clientId>.<domain> subdomains
	PathRouting bool

	RequestTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	StreamBacklog  int

	// StorePath is the JSON file clientId bindings persist to; empty keeps
	// them in memory
	StorePath string

	LogLevel LogLevel

	// LogOutput receives log output; nil means os.Stderr
	LogOutput io.Writer

	// ClientIDs allocates clientIds for new tunnels; nil uses RandomIDs
	ClientIDs IDGenerator
}

// ApplyEnv overrides fields from TUNNEL_DOMAIN, ONLOCAL_ADDR and ONLOCAL_STORE
func (c *ServerConfig) ApplyEnv() {
	if v := os.Getenv("TUNNEL_DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("ONLOCAL_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("ONLOCAL_STORE"); v != "" {
		c.StorePath = v
	}
}

// Server is the relay: the routing front door plus one Session actor per tunnel
type Server struct {
	ShutdownHelper
	config     ServerConfig
	registry   *Registry
	httpServer *HTTPServer
	handler    http.Handler
	connStats  ConnStats
}

// NewServer creates and returns a new relay server
func NewServer(config *ServerConfig) (*Server, error) {
	c := *config
	if c.Domain == "" {
		c.Domain = "localhost"
	}
	c.Domain = strings.ToLower(strings.TrimSuffix(c.Domain, "."))
	if c.LogLevel == LogLevelUnknown {
		c.LogLevel = LogLevelInfo
	}
	if c.ClientIDs == nil {
		c.ClientIDs = &RandomIDs{Length: ClientIDLength}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}

	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	logger := NewLoggerWithWriter(c.LogOutput, "relay", c.LogLevel)
	s := &Server{
		config:     c,
		httpServer: NewHTTPServer(logger.Fork("http")),
	}
	s.InitShutdownHelper(logger, s)
	s.AddShutdownChild(s.httpServer)

	var store SessionStore = NewMemoryStore()
	if c.StorePath != "" {
		fs, err := OpenFileStore(c.StorePath)
		if err != nil {
			return nil, s.Errorf("%s", err)
		}
		store = fs
	}
	s.registry = NewRegistry(logger, store, c.ClientIDs, s.sessionConfig)

	h := http.Handler(s.router())
	if s.GetLogLevel() >= LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s, nil
}

func (s *Server) sessionConfig(clientID string) SessionConfig {
	return SessionConfig{
		PublicURL:      s.PublicURL(clientID),
		RequestTimeout: s.config.RequestTimeout,
		PingInterval:   s.config.PingInterval,
		PongTimeout:    s.config.PongTimeout,
		StreamBacklog:  s.config.StreamBacklog,
	}
}

// Handler returns the front door handler, for embedding or httptest
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the session registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// PublicURL returns the URL the public reaches clientID's tunnel on
func (s *Server) PublicURL(clientID string) string {
	scheme := "http"
	if s.config.Secure {
		scheme = "https"
	}
	host := s.config.Domain
	if p := s.config.PublicPort; p != 0 &&
		!(p == 80 && scheme == "http") && !(p == 443 && scheme == "https") {
		host = net.JoinHostPort(host, strconv.Itoa(p))
	}
	if s.config.PathRouting {
		return fmt.Sprintf("%s://%s/%s", scheme, host, clientID)
	}
	return fmt.Sprintf("%s://%s.%s", scheme, clientID, host)
}

// Run listens on the configured address and serves until ctx is done or the
// server is closed
func (s *Server) Run(ctx context.Context) error {
	s.ShutdownOnContext(ctx)
	mode := "subdomain"
	if s.config.PathRouting {
		mode = "path"
	}
	s.ILogf("Listening on %s (domain %s, %s routing)", s.config.Addr, s.config.Domain, mode)
	go func() {
		err := s.httpServer.ListenAndServe(ctx, s.config.Addr, s.handler)
		s.StartShutdown(err)
	}()
	return s.WaitShutdown()
}

// Addr returns the bound address once Run is serving
func (s *Server) Addr() net.Addr {
	return s.httpServer.Addr()
}

// HandleOnceShutdown tears down every session. The listener is a shutdown
// child and closes after this returns.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	s.registry.CloseAll()
	return completionErr
}
