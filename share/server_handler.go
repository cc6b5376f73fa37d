package olshare

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/tomasen/realip"
)

const clientIDPattern = `[a-z0-9]+`

var clientIDRegexp = regexp.MustCompile(`^` + clientIDPattern + `$`)

// router builds the front door: public tunnel traffic by subdomain (or leading
// path segment), the /ws control endpoint and the health checks
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.SkipClean(true)

	if !s.config.PathRouting {
		r.Host("{clientId:" + clientIDPattern + "}." + s.config.Domain).
			HandlerFunc(s.handleSubdomain)
	}

	r.Path("/ws").HandlerFunc(s.handleControl)
	r.Path("/health").Methods(http.MethodGet, http.MethodHead).HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK\n"))
		})
	r.Path("/version").Methods(http.MethodGet, http.MethodHead).HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(BuildVersion))
		})

	if s.config.PathRouting {
		r.Path("/{clientId:" + clientIDPattern + "}").HandlerFunc(s.handlePathRouted)
		r.PathPrefix("/{clientId:" + clientIDPattern + "}/").HandlerFunc(s.handlePathRouted)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, ErrInvalidRequest)
	})
	r.MethodNotAllowedHandler = r.NotFoundHandler
	return r
}

func (s *Server) handleSubdomain(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientId"]
	s.servePublic(w, r, clientID, r.URL.EscapedPath())
}

func (s *Server) handlePathRouted(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["clientId"]
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/"+clientID)
	if rest == "" {
		rest = "/"
	}
	s.servePublic(w, r, clientID, rest)
}

// servePublic dispatches one public request to the session for clientID.
// path is the forwarded path with any routing prefix removed.
func (s *Server) servePublic(w http.ResponseWriter, r *http.Request, clientID, path string) {
	session, err := s.registry.Lookup(clientID)
	if err != nil {
		s.DLogf("No tunnel for %s: %s", clientID, err)
		httpError(w, err)
		return
	}
	url := requestScheme(r) + "://" + r.Host + path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	if websocket.IsWebSocketUpgrade(r) {
		session.ServePublicWebSocket(w, r, url)
		return
	}
	if r.ContentLength > maxPublicBody {
		http.Error(w, "Request body too large ("+sizestr.ToString(r.ContentLength)+")",
			http.StatusRequestEntityTooLarge)
		return
	}
	session.ServePublicHTTP(w, r, url)
}

// handleControl accepts the control channel of a tunnel client
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) || r.Header.Get(ControlHeader) == "" {
		httpError(w, ErrInvalidRequest)
		return
	}
	if v := r.Header.Get(ControlHeader); v != ProtocolVersion {
		s.WLogf("Client using protocol %q, expected %q", v, ProtocolVersion)
	}
	requested := strings.ToLower(r.URL.Query().Get("clientId"))
	if requested != "" && !clientIDRegexp.MatchString(requested) {
		requested = ""
	}
	session, err := s.registry.Establish(requested)
	if err != nil {
		s.DLogf("Control channel refused: %s", err)
		httpError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("Failed to upgrade control channel: %s", err)
		return
	}
	s.connStats.New()
	s.ILogf("%s Control channel for %s from %s", &s.connStats, session.ClientID(), realip.FromRequest(r))
	gone := session.Attach(conn)
	go func() {
		<-gone
		s.connStats.Close()
		s.DLogf("%s Control channel for %s closed", &s.connStats, session.ClientID())
	}()
}
