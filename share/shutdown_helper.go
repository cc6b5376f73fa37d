package olshare

import (
	"context"
	"sync"
)

// OnceShutdownHandler is an interface that must be implemented by the object managed by ShutdownHelper
type OnceShutdownHandler interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
	// as an advisory completion value, actually shut down, then return the real completion value.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is an interface implemented by objects that provide
// asynchronous shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the object
	// has already been scheduled for shutdown, it has no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete.
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// ShutdownHelper is a base that manages clean asynchronous object shutdown for an
// object that implements OnceShutdownHandler
type ShutdownHelper struct {
	// Logger is the Logger that will be used for log output from this helper
	Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it may be used
	// as a general-purpose lock by derived objects as well
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	isStartedShutdown bool
	isDoneShutdown    bool

	// shutdownErr contains the final completion status after isDoneShutdown is true
	shutdownErr error

	shutdownStartedChan chan struct{}

	// shutdownHandlerDoneChan is closed after shutdownHandler returns, before
	// we begin waiting on children
	shutdownHandlerDoneChan chan struct{}

	shutdownDoneChan chan struct{}

	// wg counts children that must finish before shutdown is complete
	wg sync.WaitGroup
}

// InitShutdownHelper initializes a new ShutdownHelper in place
func (h *ShutdownHelper) InitShutdownHelper(
	logger Logger,
	shutdownHandler OnceShutdownHandler,
) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// StartShutdown schedules asynchronous shutdown of the object. If the object
// has already been scheduled for shutdown, it has no effect.
// "completionErr" is an advisory error (or nil) to use as the completion status
// from WaitShutdown(). HandleOnceShutdown may use this value or decide to return
// something else.
//
// Only the first call:
//
//  -   Signals that shutdown has started
//  -   Invokes HandleOnceShutdown in a new goroutine
//  -   Signals that HandleOnceShutdown has completed
//  -   Shuts down each registered child and waits for it
//  -   Signals shutdown complete
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	if h.isStartedShutdown {
		h.Lock.Unlock()
		return
	}
	h.isStartedShutdown = true
	h.shutdownErr = completionErr
	h.Lock.Unlock()

	h.TLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(completionErr)
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		h.TLogf("->shutdownHandlerDone")
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// ShutdownOnContext begins background monitoring of a context.Context, and
// will begin asynchronously shutting down this helper with the context's error
// if the context is completed. This method does not block, it just
// constrains the lifetime of this object to a context.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true if shutdown has begun. It continues to return true after shutdown
// is complete
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// ShutdownStartedChan returns a channel that will be closed as soon as shutdown is initiated
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that will be closed after shutdown is done
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for the shutdown to complete, then returns the shutdown status
// It does not initiate shutdown, so it can be used to wait on an object that
// will shutdown at an unspecified point in the future.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown performs a synchronous shutdown. It initiates shutdown if it has
// not already started, waits for the shutdown to complete, then returns
// the final shutdown status
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// Close shuts down with an advisory completion status of nil, and returns
// the final completion status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild adds a child object that will be actively shut down by this
// helper after HandleOnceShutdown() returns, before this object's shutdown is
// considered complete.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
