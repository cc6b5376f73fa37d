package olshare

import "time"

// Session timing defaults
const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultPongTimeout    = 10 * time.Second
)

// SessionConfig describes how a relay Session treats its control channel and
// the public traffic it forwards
type SessionConfig struct {
	// PublicURL is announced to the client in the tunnel message
	PublicURL string

	// RequestTimeout bounds how long a public HTTP request waits for its response
	RequestTimeout time.Duration

	// PingInterval is the period between keepalive pings; zero disables keepalive
	PingInterval time.Duration

	// PongTimeout is how long a ping may go unanswered before the control
	// channel is considered stale and closed
	PongTimeout time.Duration

	// StreamBacklog is how many frames may wait for one public socket before
	// its stream is closed with 1011
	StreamBacklog int

	// RequestIDs and StreamIDs allocate request ids and streamIds
	RequestIDs IDGenerator
	StreamIDs  IDGenerator
}

// withDefaults returns a copy of c with unset fields filled in
func (c SessionConfig) withDefaults() SessionConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PingInterval > 0 && c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.StreamBacklog <= 0 {
		c.StreamBacklog = DefaultStreamBacklog
	}
	if c.RequestIDs == nil {
		c.RequestIDs = &RandomIDs{Length: RequestIDLength}
	}
	if c.StreamIDs == nil {
		c.StreamIDs = &RandomIDs{Length: StreamIDLength}
	}
	return c
}
