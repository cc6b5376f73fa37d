package olshare

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// httpShutdownGrace bounds how long in-flight public requests may keep the
// listener alive after shutdown starts
const httpShutdownGrace = 5 * time.Second

// HTTPServer wraps net/http Server and adds graceful, context-bound shutdown
type HTTPServer struct {
	ShutdownHelper
	srv      *http.Server
	listener net.Listener
	ready    chan struct{}
	once     sync.Once
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		srv:   &http.Server{ReadHeaderTimeout: 30 * time.Second},
		ready: make(chan struct{}),
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown stops accepting connections and waits (briefly) for
// in-flight requests to drain
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	h.once.Do(func() { close(h.ready) })
	h.Lock.Lock()
	l := h.listener
	h.Lock.Unlock()
	if l == nil {
		return completionErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	err := h.srv.Shutdown(ctx)
	if err != nil {
		h.DLogf("graceful shutdown incomplete, closing: %s", err)
		h.srv.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe runs the HTTP server on the given bind address, invoking the
// provided handler for each request. It returns after the server has shut down.
// The server can be shut down either by cancelling the context or by calling
// Close().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		err = h.DLogErrorf("Listen failed: %s", err)
		h.Shutdown(err)
		return err
	}
	return h.Serve(ctx, l, handler)
}

// Serve is ListenAndServe on an existing listener
func (h *HTTPServer) Serve(ctx context.Context, l net.Listener, handler http.Handler) error {
	h.Lock.Lock()
	if h.isStartedShutdown {
		h.Lock.Unlock()
		l.Close()
		return h.WaitShutdown()
	}
	h.srv.Handler = handler
	h.listener = l
	h.Lock.Unlock()
	h.once.Do(func() { close(h.ready) })

	h.ShutdownOnContext(ctx)
	go func() {
		err := h.srv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		h.StartShutdown(err)
	}()
	return h.WaitShutdown()
}

// Addr returns the bound listener address once serving has begun, or nil
// if the server shut down before binding
func (h *HTTPServer) Addr() net.Addr {
	<-h.ready
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}
