package olshare

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/onlocal/pkg/protocol"
)

// syncBuffer collects log output from several goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testRelay struct {
	*Server
	ts  *httptest.Server
	log *syncBuffer
}

func newTestRelay(t *testing.T, cfg ServerConfig) *testRelay {
	t.Helper()
	log := &syncBuffer{}
	if cfg.LogOutput == nil {
		cfg.LogOutput = log
	}
	if cfg.LogLevel == LogLevelUnknown {
		cfg.LogLevel = LogLevelInfo
	}
	if cfg.ClientIDs == nil {
		cfg.ClientIDs = &SequenceIDs{Prefix: "c"}
	}
	s, err := NewServer(&cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return &testRelay{Server: s, ts: ts, log: log}
}

func (r *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + path
}

// dialControl attaches a raw control channel and returns it with the
// announced tunnel URL
func (r *testRelay) dialControl(t *testing.T, clientID string) (*websocket.Conn, string) {
	t.Helper()
	u := r.wsURL("/ws")
	if clientID != "" {
		u += "?clientId=" + clientID
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{ControlHeader: {ProtocolVersion}})
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	m := readMessage(t, conn)
	tun, ok := m.(*protocol.Tunnel)
	if !ok {
		t.Fatalf("expected tunnel message, got %T", m)
	}
	return conn, tun.URL
}

// publicDo issues a public request to clientID's tunnel
func (r *testRelay) publicDo(t *testing.T, method, clientID, path string, body io.Reader) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, r.ts.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if clientID != "" {
		req.Host = clientID + ".localhost"
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res, string(b)
}

// dialPublicWS opens a public websocket on clientID's tunnel
func (r *testRelay) dialPublicWS(t *testing.T, clientID, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, res, err := websocket.DefaultDialer.Dial(r.wsURL(path), http.Header{"Host": {clientID + ".localhost"}})
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, res, err
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read control: %v", err)
		}
		m, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if _, isPing := m.(*protocol.Ping); isPing {
			continue
		}
		return m
	}
}

func writeMessage(t *testing.T, conn *websocket.Conn, m protocol.Message) {
	t.Helper()
	b, err := protocol.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

// expectClose reads from conn until it is closed and returns the close code
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			t.Fatalf("expected close frame, got %v", err)
		}
	}
}

// eventually polls cond until it holds or the deadline passes
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
