package olshare

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/onlocal/pkg/protocol"
	"github.com/tomasen/realip"
)

// maxPublicBody caps the size of a public request body forwarded over the tunnel
const maxPublicBody = 32 << 20

const backlogCloseReason = "Send backlog full"

// PublicRequest is an inbound public HTTP request, already reduced to what
// travels in a request message
type PublicRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

type requestResult struct {
	resp *protocol.Response
	err  error
}

// pendingRequest is owned by the session loop. It is removed from the table
// by exactly one of response, timeout or control channel close.
type pendingRequest struct {
	id      string
	url     string
	started time.Time
	timer   *time.Timer
	reply   chan<- requestResult
}

// Session is the relay-side actor for one tunnel. All of its tables are
// owned by a single goroutine; everything else talks to it by posting
// closures onto events.
type Session struct {
	ShutdownHelper
	clientID  string
	sessionID string
	config    SessionConfig

	events   chan func()
	loopDone chan struct{}

	// owned by loop
	control     *wsPeer
	controlSeq  int
	pending     map[string]*pendingRequest
	streams     map[string]*wsPeer
	pingTimer   *time.Timer
	pongTimer   *time.Timer
	pingSeq     uint64
	requestStat ConnStats
	streamStat  ConnStats
}

// NewSession creates an idle session for clientID and starts its loop
func NewSession(logger Logger, sessionID, clientID string, config SessionConfig) *Session {
	s := &Session{
		clientID:  clientID,
		sessionID: sessionID,
		config:    config.withDefaults(),
		events:    make(chan func()),
		loopDone:  make(chan struct{}),
		pending:   make(map[string]*pendingRequest),
		streams:   make(map[string]*wsPeer),
	}
	s.InitShutdownHelper(logger.Fork("session %s", clientID), s)
	go s.loop()
	return s
}

// ClientID returns the public subdomain label of this session
func (s *Session) ClientID() string {
	return s.clientID
}

// SessionID returns the internal identifier the client id is persisted under
func (s *Session) SessionID() string {
	return s.sessionID
}

func (s *Session) String() string {
	return "session " + s.clientID
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.ShutdownStartedChan():
			s.detach("Session closed")
			return
		}
	}
}

// post hands fn to the loop. It returns false if the loop has exited.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.loopDone:
		return false
	}
}

// HandleOnceShutdown waits for the loop to tear down the control channel,
// every stream and every pending request
func (s *Session) HandleOnceShutdown(completionErr error) error {
	<-s.loopDone
	return completionErr
}

// Attached reports whether a control channel is currently attached
func (s *Session) Attached() bool {
	res := make(chan bool, 1)
	if !s.post(func() { res <- s.control != nil }) {
		return false
	}
	return <-res
}

// PendingCount returns the number of unresolved public requests
func (s *Session) PendingCount() int {
	res := make(chan int, 1)
	if !s.post(func() { res <- len(s.pending) }) {
		return 0
	}
	return <-res
}

// StreamCount returns the number of open passthrough streams
func (s *Session) StreamCount() int {
	res := make(chan int, 1)
	if !s.post(func() { res <- len(s.streams) }) {
		return 0
	}
	return <-res
}

// Attach makes conn the session's control channel. Any previous control
// channel is torn down first; its in-flight work is failed, not carried over.
// The returned channel is closed once conn has been closed.
func (s *Session) Attach(conn *websocket.Conn) <-chan struct{} {
	done := make(chan (<-chan struct{}), 1)
	ok := s.post(func() {
		if s.control != nil {
			s.ILogf("Replacing attached control channel")
			s.detach("Replaced by new control channel")
		}
		s.controlSeq++
		peer := newWSPeer(s.Logger.Fork("control#%d", s.controlSeq), RoleControl, conn, DefaultControlBacklog)
		s.control = peer
		done <- peer.Done()
		s.ILogf("Client attached (%s)", conn.RemoteAddr())
		if err := peer.SendMessage(&protocol.Tunnel{URL: s.config.PublicURL}); err != nil {
			s.DLogf("Failed to send tunnel message: %s", err)
		}
		s.schedulePing(peer)
		go s.readControl(peer)
	})
	if !ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseGoingAway, "Session closed"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return <-done
}

// readControl pumps frames from one control channel into the loop
func (s *Session) readControl(peer *wsPeer) {
	for {
		msgType, data, err := peer.conn.ReadMessage()
		if err != nil {
			code, reason := readCloseStatus(err)
			s.post(func() { s.onControlClosed(peer, code, reason) })
			return
		}
		if msgType != websocket.TextMessage {
			peer.DLogf("Dropping non-text control frame (%s)", sizestr.ToString(int64(len(data))))
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			peer.WLogf("Dropping control frame: %s", err)
			continue
		}
		if !s.post(func() { s.onControlMessage(peer, msg) }) {
			return
		}
	}
}

func (s *Session) onControlMessage(peer *wsPeer, msg protocol.Message) {
	if peer != s.control {
		return
	}
	switch m := msg.(type) {
	case *protocol.Response:
		s.onResponse(m)
	case *protocol.WsFrame:
		stream, ok := s.streams[m.StreamID]
		if !ok {
			s.DLogf("No stream for frame, streamId=%s", m.StreamID)
			return
		}
		msgType := websocket.TextMessage
		if m.IsBinary {
			msgType = websocket.BinaryMessage
		}
		switch err := stream.Send(msgType, m.Payload()); err {
		case nil:
		case errPeerBacklog:
			s.overflowStream(m.StreamID, stream)
		default:
			stream.DLogf("Frame dropped: %s", err)
		}
	case *protocol.WsClose:
		stream, ok := s.streams[m.StreamID]
		if !ok {
			s.DLogf("No stream to close, streamId=%s", m.StreamID)
			return
		}
		delete(s.streams, m.StreamID)
		s.streamStat.Close()
		stream.DLogf("%s Closed by client (%d %s)", &s.streamStat, m.CloseCode(), m.Reason)
		stream.CloseWith(m.CloseCode(), m.Reason)
	case *protocol.Ping:
		peer.SendMessage(&protocol.Pong{})
	case *protocol.Pong:
		if s.pongTimer != nil {
			s.pongTimer.Stop()
			s.pongTimer = nil
		}
	default:
		s.WLogf("Ignoring unexpected %s message from client", msg.Type())
	}
}

func (s *Session) onResponse(m *protocol.Response) {
	p, ok := s.pending[m.ID]
	if !ok {
		s.DLogf("No pending request for %s", m.ID)
		return
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	if headerValue(m.Headers, "content-type") == "" && strings.HasSuffix(urlPath(p.url), ".js") {
		m.Headers["content-type"] = "application/javascript"
	}
	s.resolve(m.ID, m, nil)
}

// resolve completes the pending request id. It reports false if id was
// already resolved.
func (s *Session) resolve(id string, resp *protocol.Response, err error) bool {
	p, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	p.timer.Stop()
	s.requestStat.Close()
	p.reply <- requestResult{resp: resp, err: err}
	return true
}

func (s *Session) startRequest(req *PublicRequest, reply chan<- requestResult) {
	if s.control == nil {
		reply <- requestResult{err: ErrClientUnavailable}
		return
	}
	id := s.config.RequestIDs.NewID()
	p := &pendingRequest{
		id:      id,
		url:     req.URL,
		started: time.Now(),
		reply:   reply,
	}
	p.timer = time.AfterFunc(s.config.RequestTimeout, func() {
		s.post(func() {
			if s.resolve(id, nil, ErrTimeout) {
				s.WLogf("Request %s timed out after %s", id, time.Since(p.started).Round(time.Millisecond))
			}
		})
	})
	s.pending[id] = p
	s.requestStat.New()

	err := s.control.SendMessage(&protocol.Request{
		ID:      id,
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		s.resolve(id, nil, ErrClientUnavailable)
	}
}

// HandleHTTP forwards one public request over the control channel and waits
// for its response, its timeout, or the control channel closing. A cancelled
// ctx stops the wait; the pending entry is still resolved by one of the three.
func (s *Session) HandleHTTP(ctx context.Context, req *PublicRequest) (*protocol.Response, error) {
	reply := make(chan requestResult, 1)
	if !s.post(func() { s.startRequest(req, reply) }) {
		return nil, ErrClientUnavailable
	}
	select {
	case r := <-reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServePublicHTTP relays one public HTTP request through the tunnel. url is
// the public URL reported to the client.
func (s *Session) ServePublicHTTP(w http.ResponseWriter, r *http.Request, url string) {
	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxPublicBody))
		if err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		if len(b) > 0 {
			body = b
		}
	}
	req := &PublicRequest{
		Method:  r.Method,
		URL:     url,
		Headers: forwardedHeaders(r),
		Body:    body,
	}
	t0 := time.Now()
	resp, err := s.HandleHTTP(r.Context(), req)
	if err != nil {
		if r.Context().Err() != nil {
			s.DLogf("[%s] %s abandoned by caller", r.Method, r.URL.RequestURI())
			return
		}
		s.ILogf("[%s] %d %s (%s)", r.Method, HTTPStatus(err), r.URL.RequestURI(), err)
		httpError(w, err)
		return
	}
	payload := resp.Body.Bytes()
	applyHeaders(w.Header(), resp.Headers, skipContentLength)
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		w.Write(payload)
	}
	s.ILogf("[%s] %d %s (%s, %s)", r.Method, resp.Status, r.URL.RequestURI(),
		sizestr.ToString(int64(len(payload))), time.Since(t0).Round(time.Millisecond))
}

// ServePublicWebSocket accepts a public websocket and bridges it through the
// tunnel as a passthrough stream
func (s *Session) ServePublicWebSocket(w http.ResponseWriter, r *http.Request, url string) {
	if !s.Attached() {
		httpError(w, ErrClientUnavailable)
		return
	}
	var respHeader http.Header
	if protos := websocket.Subprotocols(r); len(protos) > 0 {
		respHeader = http.Header{"Sec-Websocket-Protocol": {protos[0]}}
	}
	headers := forwardedHeaders(r)
	conn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.DLogf("Failed to upgrade public websocket: %s", err)
		return
	}
	s.OpenStream(conn, url, headers)
}

// OpenStream registers an accepted public socket as a passthrough stream and
// announces it to the client with ws_open
func (s *Session) OpenStream(conn *websocket.Conn, url string, headers map[string]string) {
	ok := s.post(func() {
		if s.control == nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(protocol.CloseGoingAway, "Tunnel disconnected"),
				time.Now().Add(wsWriteWait))
			conn.Close()
			return
		}
		streamID := s.config.StreamIDs.NewID()
		peer := newWSPeer(s.Logger.Fork("stream %s", streamID), RoleStream, conn, s.config.StreamBacklog)
		s.streams[streamID] = peer
		s.streamStat.New()
		peer.DLogf("%s Open %s", &s.streamStat, urlPath(url))
		s.control.SendMessage(&protocol.WsOpen{StreamID: streamID, URL: url, Headers: headers})
		go s.readStream(streamID, peer)
	})
	if !ok {
		conn.Close()
	}
}

func (s *Session) readStream(streamID string, peer *wsPeer) {
	var sent int64
	for {
		msgType, data, err := peer.conn.ReadMessage()
		if err != nil {
			code, reason := readCloseStatus(err)
			peer.DLogf("Public socket closed (sent %s)", sizestr.ToString(sent))
			s.post(func() { s.onPublicStreamClose(streamID, peer, code, reason) })
			return
		}
		sent += int64(len(data))
		isBinary := msgType == websocket.BinaryMessage
		if !s.post(func() { s.onPublicStreamFrame(streamID, peer, data, isBinary) }) {
			return
		}
	}
}

func (s *Session) onPublicStreamFrame(streamID string, peer *wsPeer, data []byte, isBinary bool) {
	if s.streams[streamID] != peer || s.control == nil {
		return
	}
	if err := s.control.SendMessage(protocol.NewWsFrame(streamID, data, isBinary)); err == errPeerBacklog {
		s.overflowStream(streamID, peer)
	}
}

// overflowStream closes a passthrough stream whose frames are arriving faster
// than the other side drains them, and tells the client it is gone. The
// session loop never waits on a single socket.
func (s *Session) overflowStream(streamID string, peer *wsPeer) {
	delete(s.streams, streamID)
	s.streamStat.Close()
	peer.WLogf("%s Send backlog full, closing stream", &s.streamStat)
	peer.Abandon(protocol.CloseInternalError, backlogCloseReason)
	if s.control == nil {
		return
	}
	err := s.control.SendMessage(&protocol.WsClose{
		StreamID: streamID,
		Code:     protocol.CloseInternalError,
		Reason:   backlogCloseReason,
	})
	if err != nil {
		peer.DLogf("Could not send ws_close: %s", err)
	}
}

func (s *Session) onPublicStreamClose(streamID string, peer *wsPeer, code int, reason string) {
	if s.streams[streamID] != peer {
		return
	}
	delete(s.streams, streamID)
	s.streamStat.Close()
	peer.DLogf("%s Closed by public peer (%d %s)", &s.streamStat, code, reason)
	peer.Close()
	if s.control != nil {
		s.control.SendMessage(&protocol.WsClose{
			StreamID: streamID,
			Code:     protocol.SendableCloseCode(code),
			Reason:   reason,
		})
	}
}

func (s *Session) onControlClosed(peer *wsPeer, code int, reason string) {
	if peer != s.control {
		return
	}
	s.ILogf("Client disconnected (%d %s)", code, reason)
	s.detach("Tunnel disconnected")
}

// detach closes the control channel and cancels everything that depended on it
func (s *Session) detach(why string) {
	s.stopKeepalive()
	if s.control != nil {
		s.control.CloseWith(protocol.CloseGoingAway, why)
		s.control = nil
	}
	for id, stream := range s.streams {
		stream.CloseWith(protocol.CloseGoingAway, "Tunnel disconnected")
		delete(s.streams, id)
		s.streamStat.Close()
	}
	if n := len(s.pending); n > 0 {
		s.DLogf("Failing %d pending requests", n)
	}
	for id := range s.pending {
		s.resolve(id, nil, ErrClientDisconnected)
	}
}

func (s *Session) schedulePing(peer *wsPeer) {
	if s.config.PingInterval <= 0 {
		return
	}
	s.pingTimer = time.AfterFunc(s.config.PingInterval, func() {
		s.post(func() { s.sendPing(peer) })
	})
}

func (s *Session) sendPing(peer *wsPeer) {
	if peer != s.control {
		return
	}
	s.pingSeq++
	seq := s.pingSeq
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
	s.pongTimer = time.AfterFunc(s.config.PongTimeout, func() {
		s.post(func() { s.onPongTimeout(peer, seq) })
	})
	peer.SendMessage(&protocol.Ping{})
	s.schedulePing(peer)
}

func (s *Session) onPongTimeout(peer *wsPeer, seq uint64) {
	if peer != s.control || seq != s.pingSeq || s.pongTimer == nil {
		return
	}
	s.WLogf("No pong within %s, closing stale control channel", s.config.PongTimeout)
	s.detach("Keepalive timeout")
}

func (s *Session) stopKeepalive() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
}

// forwardedHeaders flattens the public request headers and adds the
// X-Forwarded-* set
func forwardedHeaders(r *http.Request) map[string]string {
	h := flattenHeaders(r.Header, func(name string) bool {
		return wsHandshakeHeaders[name] || name == "content-length"
	})
	h["host"] = r.Host
	if _, ok := h["x-forwarded-host"]; !ok {
		h["x-forwarded-host"] = r.Host
	}
	if _, ok := h["x-forwarded-proto"]; !ok {
		h["x-forwarded-proto"] = requestScheme(r)
	}
	if ip := peerIP(r); ip != "" {
		if prior, ok := h["x-forwarded-for"]; ok {
			h["x-forwarded-for"] = prior + ", " + ip
		} else {
			h["x-forwarded-for"] = ip
		}
	}
	if _, ok := h["x-real-ip"]; !ok {
		if ip := realip.FromRequest(r); ip != "" {
			h["x-real-ip"] = ip
		}
	}
	return h
}

func requestScheme(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return p
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// peerIP is the address of the hop that connected to the relay, which is
// what X-Forwarded-For gets extended with
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// urlPath returns the path part of an absolute or origin-form URL
func urlPath(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
		if j := strings.IndexByte(u, '/'); j >= 0 {
			u = u[j:]
		} else {
			u = "/"
		}
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}
