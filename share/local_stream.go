package olshare

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/onlocal/pkg/protocol"
)

// localStream is the client end of a passthrough stream. Until the local
// socket is open, frames from the relay are held in pending.
type localStream struct {
	id      string
	path    string
	control *wsPeer
	peer    *wsPeer
	pending []wsOutFrame
	cancel  context.CancelFunc
	sent    int64
	recv    int64
}

// localWSTarget rebuilds a forwarded URL as ws://host:port/path?query
func localWSTarget(base *url.URL, forwarded string) (*url.URL, error) {
	t, err := localTarget(base, forwarded)
	if err != nil {
		return nil, err
	}
	t.Scheme = strings.Replace(t.Scheme, "http", "ws", 1)
	return t, nil
}

// openStream dials the local websocket for a ws_open. Runs on the client loop.
func (c *Client) openStream(control *wsPeer, m *protocol.WsOpen) {
	if old, ok := c.streams[m.StreamID]; ok {
		c.WLogf("Duplicate ws_open for stream %s, replacing", m.StreamID)
		old.shut(protocol.CloseGoingAway, "Replaced")
	}
	target, err := localWSTarget(c.local.base, m.URL)
	if err != nil {
		c.WLogf("[WS] bad url %q: %s", m.URL, err)
		control.SendMessage(&protocol.WsClose{StreamID: m.StreamID, Code: protocol.CloseInternalError,
			Reason: "Failed to connect to local server"})
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	s := &localStream{id: m.StreamID, path: target.RequestURI(), control: control, cancel: cancel}
	c.streams[s.id] = s
	c.streamStats.New()
	c.ILogf("[WS] OPEN %s", s.path)

	header := http.Header{}
	applyHeaders(header, m.Headers, skipWebSocketDial)
	dialer := *c.localDialer
	if p := headerValue(m.Headers, "sec-websocket-protocol"); p != "" {
		for _, proto := range strings.Split(p, ",") {
			dialer.Subprotocols = append(dialer.Subprotocols, strings.TrimSpace(proto))
		}
	}
	go func() {
		conn, _, err := dialer.DialContext(ctx, target.String(), header)
		if !c.post(func() { c.onStreamDialed(s, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Client) onStreamDialed(s *localStream, conn *websocket.Conn, err error) {
	if c.streams[s.id] != s {
		// closed or aborted while dialing
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		delete(c.streams, s.id)
		c.streamStats.Close()
		s.cancel()
		c.WLogf("[WS] Failed to connect to local server for %s: %s", s.path, err)
		c.sendIfCurrent(s.control, &protocol.WsClose{StreamID: s.id, Code: protocol.CloseInternalError,
			Reason: "Failed to connect to local server"})
		return
	}
	s.peer = newWSPeer(c.Logger.Fork("stream %s", s.id), RoleStream, conn, DefaultStreamBacklog)
	c.DLogf("[WS] CONNECTED %s [streamId: %s]", s.path, s.id)
	for _, f := range s.pending {
		if err := s.peer.Send(f.msgType, f.data); err != nil {
			c.overflowStream(s)
			return
		}
	}
	s.pending = nil
	go c.readLocal(s)
}

func (c *Client) readLocal(s *localStream) {
	peer := s.peer
	for {
		msgType, data, err := peer.conn.ReadMessage()
		if err != nil {
			code, reason := readCloseStatus(err)
			if _, isClose := err.(*websocket.CloseError); !isClose {
				code, reason = protocol.CloseInternalError, "Local WebSocket error"
			}
			c.post(func() { c.onLocalClosed(s, code, reason) })
			return
		}
		isBinary := msgType == websocket.BinaryMessage
		if !c.post(func() { c.onLocalFrame(s, data, isBinary) }) {
			return
		}
	}
}

func (c *Client) onLocalFrame(s *localStream, data []byte, isBinary bool) {
	if c.streams[s.id] != s {
		return
	}
	s.sent += int64(len(data))
	if err := c.sendIfCurrent(s.control, protocol.NewWsFrame(s.id, data, isBinary)); err == errPeerBacklog {
		c.overflowStream(s)
	}
}

// overflowStream drops a stream whose frames cannot be queued any more, on
// either side, and reports it to the relay with 1011
func (c *Client) overflowStream(s *localStream) {
	delete(c.streams, s.id)
	c.streamStats.Close()
	c.WLogf("[WS] CLOSED %s: send backlog full", s.path)
	s.abandon(protocol.CloseInternalError, backlogCloseReason)
	c.sendIfCurrent(s.control, &protocol.WsClose{
		StreamID: s.id,
		Code:     protocol.CloseInternalError,
		Reason:   backlogCloseReason,
	})
}

func (c *Client) onLocalClosed(s *localStream, code int, reason string) {
	if c.streams[s.id] != s {
		return
	}
	delete(c.streams, s.id)
	c.streamStats.Close()
	s.cancel()
	s.peer.Close()
	c.ILogf("[WS] CLOSED %s (%d %s, sent %s received %s)", s.path, code, reason,
		sizestr.ToString(s.sent), sizestr.ToString(s.recv))
	c.sendIfCurrent(s.control, &protocol.WsClose{
		StreamID: s.id,
		Code:     protocol.SendableCloseCode(code),
		Reason:   reason,
	})
}

// deliver forwards a relay frame to the local socket, or holds it while
// dialing. It never blocks; a full queue is reported as errPeerBacklog.
func (s *localStream) deliver(m *protocol.WsFrame) error {
	msgType := websocket.TextMessage
	if m.IsBinary {
		msgType = websocket.BinaryMessage
	}
	data := m.Payload()
	s.recv += int64(len(data))
	if s.peer == nil {
		if len(s.pending) >= DefaultStreamBacklog {
			return errPeerBacklog
		}
		s.pending = append(s.pending, wsOutFrame{msgType, data})
		return nil
	}
	return s.peer.Send(msgType, data)
}

// shut closes the local socket, or aborts the dial if it is not open yet
func (s *localStream) shut(code int, reason string) {
	s.cancel()
	s.pending = nil
	if s.peer != nil {
		s.peer.CloseWith(code, reason)
	}
}

func (s *localStream) abandon(code int, reason string) {
	s.cancel()
	s.pending = nil
	if s.peer != nil {
		s.peer.Abandon(code, reason)
	}
}
