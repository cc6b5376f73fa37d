package olshare

import (
	"errors"
	"net/http"
)

var (
	// ErrClientUnavailable is returned when a session has no attached control channel
	ErrClientUnavailable = errors.New("Client not connected")

	// ErrTimeout is returned when no response arrives within the request deadline
	ErrTimeout = errors.New("Timeout")

	// ErrClientDisconnected fails requests still outstanding when the control channel closes
	ErrClientDisconnected = errors.New("Client disconnected")

	// ErrLocalConnect is returned when the client cannot reach the local server
	ErrLocalConnect = errors.New("Failed to connect to local server")

	// ErrTunnelNotFound is returned by the front door for an unknown clientId
	ErrTunnelNotFound = errors.New("Tunnel not found")

	// ErrInvalidRequest is returned by the front door when no clientId can be parsed
	ErrInvalidRequest = errors.New("Invalid request")
)

// HTTPStatus maps an error from the tunnel taxonomy to the status code a
// public caller should see
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrClientUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrClientDisconnected):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTunnelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrLocalConnect):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// httpError writes the conventional plain-text reply for err
func httpError(w http.ResponseWriter, err error) {
	code := HTTPStatus(err)
	msg := err.Error()
	for _, known := range []error{
		ErrClientUnavailable, ErrTimeout, ErrClientDisconnected,
		ErrLocalConnect, ErrTunnelNotFound, ErrInvalidRequest,
	} {
		if errors.Is(err, known) {
			msg = known.Error()
			break
		}
	}
	http.Error(w, msg, code)
}
