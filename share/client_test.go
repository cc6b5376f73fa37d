package olshare

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testClient struct {
	*Client
	log *syncBuffer

	mu      sync.Mutex
	tunnels []string
}

func (c *testClient) tunnelURLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tunnels...)
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// closedPort returns a local port nothing listens on
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// newTestClient starts a client exposing localPort through the relay
func newTestClient(t *testing.T, relayURL string, localPort int, mutate func(*Config)) *testClient {
	t.Helper()
	tc := &testClient{log: &syncBuffer{}}
	cfg := &Config{
		Port:      localPort,
		RelayURL:  relayURL,
		LocalHost: "127.0.0.1",
		LogLevel:  LogLevelDebug,
		LogOutput: tc.log,
		OnTunnel: func(u string) {
			tc.mu.Lock()
			tc.tunnels = append(tc.tunnels, u)
			tc.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	tc.Client = c
	t.Cleanup(func() { c.Close() })
	c.Start(context.Background())
	return tc
}

func (tc *testClient) waitTunnel(t *testing.T) string {
	t.Helper()
	eventually(t, "tunnel announcement", func() bool { return len(tc.tunnelURLs()) > 0 })
	return tc.tunnelURLs()[0]
}

func TestClientForwardsHTTP(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			b, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("X-Seen-Host", r.Header.Get("X-Forwarded-Host"))
			fmt.Fprintf(w, "%s %s %s %s", r.Method, r.URL.RequestURI(), r.Header.Get("X-Test"), b)
		case "/image":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte{0x89, 'P', 'N', 'G', 0, 0xff})
		case "/moved":
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer local.Close()

	relay := newTestRelay(t, ServerConfig{})
	c := newTestClient(t, relay.ts.URL, portOf(t, local.URL), nil)
	if got := c.waitTunnel(t); got != "http://c000001.localhost" {
		t.Fatalf("tunnel = %q", got)
	}

	req, _ := http.NewRequest("POST", relay.ts.URL+"/echo?a=b", strings.NewReader("payload"))
	req.Host = "c000001.localhost"
	req.Header.Set("X-Test", "yes")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != 200 || string(body) != "POST /echo?a=b yes payload" {
		t.Errorf("echo = %d %q", res.StatusCode, body)
	}
	if h := res.Header.Get("X-Seen-Host"); h != "c000001.localhost" {
		t.Errorf("X-Forwarded-Host seen locally = %q", h)
	}

	_, image := relay.publicDo(t, "GET", "c000001", "/image", nil)
	if !bytes.Equal([]byte(image), []byte{0x89, 'P', 'N', 'G', 0, 0xff}) {
		t.Errorf("image body = %v", []byte(image))
	}

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	req, _ = http.NewRequest("GET", relay.ts.URL+"/moved", nil)
	req.Host = "c000001.localhost"
	res, err = noFollow.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusFound || res.Header.Get("Location") != "/elsewhere" {
		t.Errorf("redirect = %d %q", res.StatusCode, res.Header.Get("Location"))
	}

	res, _ = relay.publicDo(t, "GET", "c000001", "/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("missing = %d", res.StatusCode)
	}
}

func TestClientLocalServerDown(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	c := newTestClient(t, relay.ts.URL, closedPort(t), nil)
	c.waitTunnel(t)

	res, body := relay.publicDo(t, "GET", "c000001", "/", nil)
	if res.StatusCode != http.StatusInternalServerError || !strings.Contains(body, "Failed to connect to local server") {
		t.Errorf("got %d %q", res.StatusCode, body)
	}

	public, _, err := relay.dialPublicWS(t, "c000001", "/socket")
	if err != nil {
		t.Fatal(err)
	}
	if code := expectClose(t, public); code != 1011 {
		t.Errorf("close code = %d, want 1011", code)
	}
}

func TestClientWebSocketBridge(t *testing.T) {
	up := websocket.Upgrader{}
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("hello "+r.URL.RequestURI()))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "bye" {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "done"))
				return
			}
			conn.WriteMessage(mt, data)
		}
	}))
	defer local.Close()

	relay := newTestRelay(t, ServerConfig{})
	c := newTestClient(t, relay.ts.URL, portOf(t, local.URL), nil)
	c.waitTunnel(t)

	public, _, err := relay.dialPublicWS(t, "c000001", "/chat?room=7")
	if err != nil {
		t.Fatal(err)
	}
	read := func() (int, []byte) {
		public.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, data, err := public.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return mt, data
	}

	if _, data := read(); string(data) != "hello /chat?room=7" {
		t.Errorf("greeting = %q", data)
	}
	public.WriteMessage(websocket.TextMessage, []byte("ping"))
	if mt, data := read(); mt != websocket.TextMessage || string(data) != "ping" {
		t.Errorf("text echo = %d %q", mt, data)
	}
	bin := []byte{0, 1, 2, 3, 0xff}
	public.WriteMessage(websocket.BinaryMessage, bin)
	if mt, data := read(); mt != websocket.BinaryMessage || !bytes.Equal(data, bin) {
		t.Errorf("binary echo = %d %v", mt, data)
	}

	public.WriteMessage(websocket.TextMessage, []byte("bye"))
	if code := expectClose(t, public); code != 4000 {
		t.Errorf("close code = %d, want 4000", code)
	}
	session, _ := relay.Registry().Lookup("c000001")
	eventually(t, "relay stream removed", func() bool { return session.StreamCount() == 0 })
}

func TestClientConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	var inflight, peak int32
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inflight, -1)
		w.Write([]byte("ok"))
	}))
	defer local.Close()

	relay := newTestRelay(t, ServerConfig{})
	c := newTestClient(t, relay.ts.URL, portOf(t, local.URL), func(cfg *Config) {
		cfg.MaxConcurrent = 3
	})
	c.waitTunnel(t)

	const total = 6
	codes := make(chan int, total)
	for i := 0; i < total; i++ {
		go func(i int) {
			req, _ := http.NewRequest("GET", fmt.Sprintf("%s/job/%d", relay.ts.URL, i), nil)
			req.Host = "c000001.localhost"
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				codes <- 0
				return
			}
			res.Body.Close()
			codes <- res.StatusCode
		}(i)
	}

	eventually(t, "three requests in flight", func() bool { return atomic.LoadInt32(&inflight) == 3 })
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&inflight); n != 3 {
		t.Errorf("in flight = %d, want 3", n)
	}
	close(release)

	for i := 0; i < total; i++ {
		if code := <-codes; code != 200 {
			t.Errorf("request failed with %d", code)
		}
	}
	if p := atomic.LoadInt32(&peak); p != 3 {
		t.Errorf("peak concurrency = %d, want 3", p)
	}
}

func TestClientReconnectsAndKeepsClientID(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{PathRouting: true})
	c := newTestClient(t, relay.ts.URL, closedPort(t), nil)
	if got := c.waitTunnel(t); got != "http://localhost/c000001" {
		t.Fatalf("tunnel = %q", got)
	}
	eventually(t, "clientId learned", func() bool { return c.ClientID() == "c000001" })

	// a second control channel for the same id displaces the client, which
	// reconnects under the same id and displaces it in turn
	intruder, _ := relay.dialControl(t, "c000001")
	if code := expectClose(t, intruder); code != 1001 {
		t.Errorf("intruder closed with %d, want 1001", code)
	}

	eventually(t, "reconnect", func() bool {
		return strings.Contains(c.log.String(), "Retrying in 2s")
	})
	eventually(t, "client attached again", func() bool {
		s, err := relay.Registry().Lookup("c000001")
		return err == nil && s.Attached() && c.Connected()
	})
	if got := c.tunnelURLs(); len(got) != 1 {
		t.Errorf("tunnel announced %d times: %v", len(got), got)
	}
	if c.ClientID() != "c000001" {
		t.Errorf("clientId = %q after reconnect", c.ClientID())
	}
}

func TestClientForceReconnect(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{PathRouting: true})
	c := newTestClient(t, relay.ts.URL, closedPort(t), nil)
	c.waitTunnel(t)
	eventually(t, "connected", c.Connected)

	c.ForceReconnect()
	eventually(t, "second connection", func() bool {
		return strings.Count(c.log.String(), "Connected to relay") == 2
	})
	eventually(t, "reattached", func() bool {
		s, _ := relay.Registry().Lookup("c000001")
		return c.Connected() && s.Attached()
	})
	if strings.Contains(c.log.String(), "Retrying in") {
		t.Error("forced reconnect should not wait for backoff")
	}
	if got := relay.Registry().Len(); got != 1 {
		t.Errorf("relay has %d sessions, want 1", got)
	}
	if d := c.BackoffDelay(); d != 2*time.Second {
		t.Errorf("backoff after forced reconnect = %s", d)
	}
}

func TestClientBackoffGrows(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:"+strconv.Itoa(closedPort(t)), 3000, nil)
	eventually(t, "first failure", func() bool {
		return strings.Contains(c.log.String(), "Retrying in 2s")
	})
	if d := c.BackoffDelay(); d != 4*time.Second {
		t.Errorf("next delay = %s, want 4s", d)
	}
	if c.Connected() {
		t.Error("connected to a closed port")
	}
}

func TestClientBackoffSchedule(t *testing.T) {
	c, err := NewClient(&Config{
		Port:      3000,
		RelayURL:  "ws://127.0.0.1:" + strconv.Itoa(closedPort(t)),
		LogOutput: &syncBuffer{},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	var prev time.Duration
	for i, w := range want {
		d := c.BackoffDelay()
		if d != w {
			t.Errorf("failure %d: delay = %s, want %s", i+1, d, w)
		}
		if d < prev {
			t.Errorf("failure %d: delay shrank from %s to %s", i+1, prev, d)
		}
		if d > BackoffMax {
			t.Errorf("failure %d: delay %s above cap", i+1, d)
		}
		prev = d
		c.query(func() {
			c.scheduleReconnect()
			c.stopRetry()
		})
	}

	c.query(c.resetBackoff)
	if d := c.BackoffDelay(); d != 2*time.Second {
		t.Errorf("delay after reset = %s, want 2s", d)
	}
}

func TestClientBackoffResetsAfterReconnect(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{PathRouting: true})
	c := newTestClient(t, relay.ts.URL, closedPort(t), nil)
	c.waitTunnel(t)
	eventually(t, "clientId learned", func() bool { return c.ClientID() == "c000001" })

	for drop := 1; drop <= 2; drop++ {
		intruder, _ := relay.dialControl(t, "c000001")
		if code := expectClose(t, intruder); code != 1001 {
			t.Errorf("drop %d: intruder closed with %d, want 1001", drop, code)
		}
		eventually(t, "retry scheduled", func() bool {
			return strings.Count(c.log.String(), "Retrying in") == drop
		})
		eventually(t, "client attached again", func() bool {
			s, err := relay.Registry().Lookup("c000001")
			return err == nil && s.Attached() && c.Connected()
		})
		if d := c.BackoffDelay(); d != 2*time.Second {
			t.Errorf("drop %d: delay after reconnect = %s, want 2s", drop, d)
		}
	}

	log := c.log.String()
	if n := strings.Count(log, "Retrying in 2s..."); n != 2 {
		t.Errorf("saw %d retries at 2s, want 2\n%s", n, log)
	}
	if strings.Contains(log, "Retrying in 4s") {
		t.Errorf("backoff kept growing across a successful reconnect\n%s", log)
	}
}

func TestClientShutdownClosesControl(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	c := newTestClient(t, relay.ts.URL, closedPort(t), nil)
	c.waitTunnel(t)
	session, _ := relay.Registry().Lookup("c000001")
	eventually(t, "attached", session.Attached)

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	eventually(t, "relay sees disconnect", func() bool { return !session.Attached() })
}

func TestNewClientValidates(t *testing.T) {
	for _, cfg := range []Config{
		{Port: 0},
		{Port: 70000},
		{Port: 3000, RelayURL: "ftp://relay.example.com"},
	} {
		if _, err := NewClient(&cfg); err == nil {
			t.Errorf("NewClient(%+v) should fail", cfg)
		}
	}
}

func TestControlURL(t *testing.T) {
	tests := []struct {
		relay, clientID, want string
	}{
		{"wss://onlocal.dev", "", "wss://onlocal.dev/ws"},
		{"onlocal.dev", "abc123", "wss://onlocal.dev/ws?clientId=abc123"},
		{"http://localhost:8787", "", "ws://localhost:8787/ws"},
		{"https://relay.example.com/ws", "x1", "wss://relay.example.com/ws?clientId=x1"},
		{"ws://127.0.0.1:9000/", "", "ws://127.0.0.1:9000/ws"},
	}
	for _, tt := range tests {
		got, err := controlURL(tt.relay, tt.clientID)
		if err != nil {
			t.Errorf("controlURL(%q): %v", tt.relay, err)
			continue
		}
		if got != tt.want {
			t.Errorf("controlURL(%q, %q) = %q, want %q", tt.relay, tt.clientID, got, tt.want)
		}
	}
	if _, err := controlURL("gopher://x", ""); err == nil {
		t.Error("unsupported scheme accepted")
	}
}

func TestClientIDFromTunnelURL(t *testing.T) {
	tests := []struct {
		public, relay, want string
	}{
		{"https://abc123.onlocal.dev", "wss://onlocal.dev", "abc123"},
		{"http://k9.localhost:8787", "http://localhost:8787", "k9"},
		{"http://localhost/c000001", "ws://127.0.0.1:1234", "c000001"},
		{"https://abc.other.dev", "wss://onlocal.dev", ""},
		{"not a url\x7f", "wss://onlocal.dev", ""},
	}
	for _, tt := range tests {
		if got := clientIDFromTunnelURL(tt.public, tt.relay); got != tt.want {
			t.Errorf("clientIDFromTunnelURL(%q, %q) = %q, want %q", tt.public, tt.relay, got, tt.want)
		}
	}
}
