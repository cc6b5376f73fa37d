package olshare

import (
	"net/http"
	"sort"
	"strings"
)

// hop-by-hop headers never cross the tunnel
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// headers the websocket handshake generates per connection
var wsHandshakeHeaders = map[string]bool{
	"sec-websocket-key":        true,
	"sec-websocket-version":    true,
	"sec-websocket-extensions": true,
	"sec-websocket-accept":     true,
}

// flattenHeaders converts h into the wire form: lowercase names, repeated
// values joined with ", ". Names for which skip returns true are dropped.
func flattenHeaders(h http.Header, skip func(name string) bool) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		name := strings.ToLower(k)
		if hopByHopHeaders[name] || (skip != nil && skip(name)) {
			continue
		}
		out[name] = strings.Join(vs, ", ")
	}
	return out
}

// applyHeaders copies wire headers into dst, except hop-by-hop ones and
// those for which skip returns true
func applyHeaders(dst http.Header, m map[string]string, skip func(name string) bool) {
	// sorted for stable output in logs and tests
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		name := strings.ToLower(k)
		if hopByHopHeaders[name] || (skip != nil && skip(name)) {
			continue
		}
		dst.Set(k, m[k])
	}
}

// headerValue looks up a wire header case-insensitively
func headerValue(m map[string]string, name string) string {
	if v, ok := m[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func skipContentLength(name string) bool {
	return name == "content-length"
}

func skipHostAndLength(name string) bool {
	return name == "host" || name == "content-length"
}

func skipWebSocketDial(name string) bool {
	return name == "host" || wsHandshakeHeaders[name] || name == "sec-websocket-protocol"
}
