// Package protocol defines the tagged message envelope exchanged between the
// relay and the tunnel client over the control channel.
//
// Every message travels as a single JSON text frame carrying a "type"
// discriminator. Decoding yields one of a closed set of variants; callers
// switch on the concrete type and treat anything else as unknown.
package protocol

import (
	"encoding/json"
)

// MessageType is the "type" discriminator of a control channel message
type MessageType string

const (
	// TypeTunnel announces the public URL assigned to a freshly attached client (relay->client)
	TypeTunnel MessageType = "tunnel"

	// TypeRequest carries one public HTTP request (relay->client)
	TypeRequest MessageType = "request"

	// TypeResponse carries the local server's answer to a request (client->relay)
	TypeResponse MessageType = "response"

	// TypePing is a keepalive check (either direction)
	TypePing MessageType = "ping"

	// TypePong answers a ping (either direction)
	TypePong MessageType = "pong"

	// TypeWsOpen asks the client to open a local WebSocket for a new passthrough stream (relay->client)
	TypeWsOpen MessageType = "ws_open"

	// TypeWsFrame carries one WebSocket message of a passthrough stream (either direction)
	TypeWsFrame MessageType = "ws_frame"

	// TypeWsClose ends a passthrough stream (either direction)
	TypeWsClose MessageType = "ws_close"
)

// Message is implemented by every control channel message variant. The set of
// implementations is closed to this package.
type Message interface {
	// Type returns the discriminator written into the "type" field
	Type() MessageType

	validate() error
}

// Tunnel tells the client which public URL now routes to it
type Tunnel struct {
	URL string `json:"url"`
}

// Request is one public HTTP request forwarded to the client. Body is nil
// (encoded as null) for bodiless requests.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// Response answers the Request with the same ID
type Response struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    ResponseBody      `json:"body"`
}

// Ping is a keepalive check
type Ping struct{}

// Pong answers a Ping
type Pong struct{}

// WsOpen announces a newly accepted public WebSocket identified by StreamID
type WsOpen struct {
	StreamID string            `json:"streamId"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers"`
}

// WsFrame carries one WebSocket message. Binary payloads are base64 encoded
// into Data and flagged with IsBinary; text payloads are carried verbatim.
type WsFrame struct {
	StreamID string `json:"streamId"`
	Data     string `json:"data"`
	IsBinary bool   `json:"isBinary"`
}

// WsClose ends a passthrough stream. A zero Code means CloseNormal.
type WsClose struct {
	StreamID string `json:"streamId"`
	Code     int    `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Type implements Message
func (*Tunnel) Type() MessageType { return TypeTunnel }

// Type implements Message
func (*Request) Type() MessageType { return TypeRequest }

// Type implements Message
func (*Response) Type() MessageType { return TypeResponse }

// Type implements Message
func (*Ping) Type() MessageType { return TypePing }

// Type implements Message
func (*Pong) Type() MessageType { return TypePong }

// Type implements Message
func (*WsOpen) Type() MessageType { return TypeWsOpen }

// Type implements Message
func (*WsFrame) Type() MessageType { return TypeWsFrame }

// Type implements Message
func (*WsClose) Type() MessageType { return TypeWsClose }

// MarshalJSON writes the message with its "type" tag
func (m *Tunnel) MarshalJSON() ([]byte, error) {
	type plain Tunnel
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		*plain
	}{TypeTunnel, (*plain)(m)})
}

// MarshalJSON writes the message with its "type" tag
func (m *Request) MarshalJSON() ([]byte, error) {
	type plain Request
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		*plain
	}{TypeRequest, (*plain)(m)})
}

// MarshalJSON writes the message with its "type" tag
func (m *Response) MarshalJSON() ([]byte, error) {
	type plain Response
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		*plain
	}{TypeResponse, (*plain)(m)})
}

// MarshalJSON writes the message with its "type" tag
func (m *Ping) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type MessageType `json:"type"`
	}{TypePing})
}

// MarshalJSON writes the message with its "type" tag
func (m *Pong) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type MessageType `json:"type"`
	}{TypePong})
}

// MarshalJSON writes the message with its "type" tag
func (m *WsOpen) MarshalJSON() ([]byte, error) {
	type plain WsOpen
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		*plain
	}{TypeWsOpen, (*plain)(m)})
}

// MarshalJSON writes the message with its "type" tag
func (m *WsFrame) MarshalJSON() ([]byte, error) {
	type plain WsFrame
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		*plain
	}{TypeWsFrame, (*plain)(m)})
}

// MarshalJSON writes the message with its "type" tag
func (m *WsClose) MarshalJSON() ([]byte, error) {
	type plain WsClose
	return json.Marshal(struct {
		Type MessageType `json:"type"`
		*plain
	}{TypeWsClose, (*plain)(m)})
}

func (m *Tunnel) validate() error {
	return require(TypeTunnel, "url", m.URL)
}

func (m *Request) validate() error {
	if err := require(TypeRequest, "id", m.ID); err != nil {
		return err
	}
	if err := require(TypeRequest, "method", m.Method); err != nil {
		return err
	}
	return require(TypeRequest, "url", m.URL)
}

func (m *Response) validate() error {
	if err := require(TypeResponse, "id", m.ID); err != nil {
		return err
	}
	if m.Status < 100 || m.Status > 999 {
		return missingField(TypeResponse, "status")
	}
	if m.Body.Kind != BodyText && m.Body.Kind != BodyBinary {
		return missingField(TypeResponse, "body.type")
	}
	return nil
}

func (*Ping) validate() error { return nil }

func (*Pong) validate() error { return nil }

func (m *WsOpen) validate() error {
	if err := require(TypeWsOpen, "streamId", m.StreamID); err != nil {
		return err
	}
	return require(TypeWsOpen, "url", m.URL)
}

func (m *WsFrame) validate() error {
	return require(TypeWsFrame, "streamId", m.StreamID)
}

func (m *WsClose) validate() error {
	return require(TypeWsClose, "streamId", m.StreamID)
}
