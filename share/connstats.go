package olshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total counts for an entity
// (control channels, passthrough streams, in-flight requests)
type ConnStats struct {
	count int32
	open  int32
}

// New adds one to the total count and to the open count, and returns the new total
func (c *ConnStats) New() int32 {
	atomic.AddInt32(&c.open, 1)
	return atomic.AddInt32(&c.count, 1)
}

// Close subtracts one from the current open count
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// Open returns the current open count
func (c *ConnStats) Open() int32 {
	return atomic.LoadInt32(&c.open)
}

// Total returns the number ever opened
func (c *ConnStats) Total() int32 {
	return atomic.LoadInt32(&c.count)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.Open(), c.Total())
}
