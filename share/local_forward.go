package olshare

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/onlocal/pkg/protocol"
)

// maxLocalBody caps the local response body relayed back through the tunnel
const maxLocalBody = 64 << 20

// LocalForwarder issues forwarded requests against the local server
type LocalForwarder struct {
	Logger
	base   *url.URL
	client *http.Client
}

// NewLocalForwarder creates a forwarder for http://host:port. Redirects are
// returned to the caller rather than followed, and bodies are relayed
// without transparent decompression.
func NewLocalForwarder(logger Logger, host string, port int, timeout time.Duration) *LocalForwarder {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true
	transport.Proxy = nil
	return &LocalForwarder{
		Logger: logger,
		base:   &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))},
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// localTarget rebuilds a forwarded URL against base, keeping only path and query
func localTarget(base *url.URL, forwarded string) (*url.URL, error) {
	u, err := url.Parse(forwarded)
	if err != nil {
		return nil, err
	}
	t := *base
	t.Path = u.Path
	t.RawPath = u.RawPath
	t.RawQuery = u.RawQuery
	if t.Path == "" {
		t.Path = "/"
	}
	return &t, nil
}

// Forward issues req against the local server and returns the response
// message to send back. Local failures become a 500 response.
func (f *LocalForwarder) Forward(ctx context.Context, req *protocol.Request) *protocol.Response {
	target, err := localTarget(f.base, req.URL)
	if err != nil {
		f.WLogf("[%s] bad url %q: %s", req.Method, req.URL, err)
		return localFailure(req.ID, "Invalid request URL")
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		f.WLogf("[%s] %s: %s", req.Method, target.RequestURI(), err)
		return localFailure(req.ID, "Invalid request")
	}
	applyHeaders(hreq.Header, req.Headers, skipHostAndLength)

	res, err := f.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		f.WLogf("[%s] %s: %s", req.Method, target.RequestURI(), err)
		return localFailure(req.ID, ErrLocalConnect.Error())
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxLocalBody))
	if err != nil {
		f.WLogf("[%s] %d %s: reading body: %s", req.Method, res.StatusCode, target.RequestURI(), err)
		return localFailure(req.ID, "Failed to read local response")
	}

	f.ILogf("[%s] %d %s (%s)", req.Method, res.StatusCode, target.RequestURI(),
		sizestr.ToString(int64(len(raw))))
	return &protocol.Response{
		ID:      req.ID,
		Status:  res.StatusCode,
		Headers: flattenHeaders(res.Header, skipContentLength),
		Body:    protocol.ClassifyBody(res.Header.Get("Content-Type"), res.Header.Get("Content-Encoding"), raw),
	}
}

func localFailure(id, msg string) *protocol.Response {
	return &protocol.Response{
		ID:      id,
		Status:  http.StatusInternalServerError,
		Headers: map[string]string{"content-type": "text/plain; charset=utf-8"},
		Body:    protocol.TextBody(msg),
	}
}
