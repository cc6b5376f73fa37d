package olshare

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/onlocal/pkg/protocol"
)

// PeerRole tells what a websocket carries. It is fixed when the socket is accepted
// or dialed and never inferred afterwards.
type PeerRole int

const (
	// RoleControl is the tunnel control channel between relay and client
	RoleControl PeerRole = iota

	// RoleStream is one end of a passthrough stream (public socket on the
	// relay, local socket on the client)
	RoleStream
)

func (r PeerRole) String() string {
	switch r {
	case RoleControl:
		return "control"
	case RoleStream:
		return "stream"
	}
	return "unknown"
}

const wsWriteWait = 10 * time.Second

// Frames a peer may hold queued before Send starts refusing them
const (
	DefaultControlBacklog = 1024
	DefaultStreamBacklog  = 256
)

var (
	errPeerClosed  = errors.New("websocket closed")
	errPeerBacklog = errors.New("websocket send backlog full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsOutFrame struct {
	msgType int
	data    []byte
}

// wsPeer owns one websocket and serializes every write to it through a single
// writer goroutine. Reads are left to the owner.
type wsPeer struct {
	Logger
	role    PeerRole
	conn    *websocket.Conn
	out     chan wsOutFrame
	closing chan struct{}
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	discard     bool
}

func newWSPeer(logger Logger, role PeerRole, conn *websocket.Conn, backlog int) *wsPeer {
	p := &wsPeer{
		Logger:  logger,
		role:    role,
		conn:    conn,
		out:     make(chan wsOutFrame, backlog),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.writePump()
	return p
}

// Send queues one websocket message without blocking. It returns
// errPeerBacklog when the queue is full and errPeerClosed once the peer is
// closing.
func (p *wsPeer) Send(msgType int, data []byte) error {
	select {
	case <-p.closing:
		return errPeerClosed
	default:
	}
	select {
	case p.out <- wsOutFrame{msgType, data}:
		return nil
	default:
		return errPeerBacklog
	}
}

// SendMessage encodes m and queues it as a text frame
func (p *wsPeer) SendMessage(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	p.TLogf("send %s", b)
	return p.Send(websocket.TextMessage, b)
}

// CloseWith flushes queued messages, sends a close frame carrying code and
// reason, then closes the socket. Only the first call has any effect.
func (p *wsPeer) CloseWith(code int, reason string) {
	p.shutdown(code, reason, false)
}

// Abandon is CloseWith without the flush: queued messages are thrown away
func (p *wsPeer) Abandon(code int, reason string) {
	p.shutdown(code, reason, true)
}

func (p *wsPeer) shutdown(code int, reason string, discard bool) {
	p.closeOnce.Do(func() {
		p.closeCode = protocol.SendableCloseCode(code)
		p.closeReason = reason
		p.discard = discard
		close(p.closing)
	})
}

// Close is CloseWith(1000, "")
func (p *wsPeer) Close() {
	p.CloseWith(protocol.CloseNormal, "")
}

// Done is closed after the underlying socket has been closed
func (p *wsPeer) Done() <-chan struct{} {
	return p.done
}

func (p *wsPeer) write(f wsOutFrame) error {
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(f.msgType, f.data)
}

func (p *wsPeer) writePump() {
	defer close(p.done)
	defer p.conn.Close()
	for {
		select {
		case f := <-p.out:
			if err := p.write(f); err != nil {
				p.DLogf("%s write failed: %s", p.role, err)
				p.CloseWith(protocol.CloseAbnormal, "")
				return
			}
		case <-p.closing:
		drain:
			for {
				select {
				case f := <-p.out:
					if p.discard {
						continue
					}
					if err := p.write(f); err != nil {
						return
					}
				default:
					break drain
				}
			}
			msg := websocket.FormatCloseMessage(p.closeCode, p.closeReason)
			p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		}
	}
}

// readCloseStatus turns a read error into the close code and reason the peer
// reported. Connections dropped without a close frame report 1006.
func readCloseStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return protocol.CloseAbnormal, ""
}
