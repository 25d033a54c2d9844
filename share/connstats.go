package wsshare

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats keep track of currently open and total logical connection counts for a session
// or server, plus the bytes carried in each direction
type ConnStats struct {
	count    int32
	open     int32
	bytesIn  int64
	bytesOut int64
}

// New adds one to the total connection count in a ConnStats
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open connection count in a ConnStats
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open connection count in a ConnStats
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

// AddIn records n bytes received from the client side
func (c *ConnStats) AddIn(n int) {
	atomic.AddInt64(&c.bytesIn, int64(n))
}

// AddOut records n bytes sent toward the client side
func (c *ConnStats) AddOut(n int) {
	atomic.AddInt64(&c.bytesOut, int64(n))
}

// OpenCount returns the number of currently open connections
func (c *ConnStats) OpenCount() int {
	return int(atomic.LoadInt32(&c.open))
}

// TotalCount returns the number of connections ever created
func (c *ConnStats) TotalCount() int {
	return int(atomic.LoadInt32(&c.count))
}

// Traffic formats the byte counters, e.g. "in 1.2KB out 5MB"
func (c *ConnStats) Traffic() string {
	return fmt.Sprintf("in %s out %s",
		sizestr.ToString(atomic.LoadInt64(&c.bytesIn)),
		sizestr.ToString(atomic.LoadInt64(&c.bytesOut)))
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
