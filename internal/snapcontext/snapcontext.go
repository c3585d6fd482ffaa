// Package snapcontext provides a reference-counted handle to the
// snapshot sequence a write must respect: the snapshot this object was
// last written under, plus the set of snapshot ids layered on top of it
// that a write must preserve a copy for.
package snapcontext

import "sync/atomic"

// Context is a reference-counted, immutable snapshot context. Multiple
// in-flight requests for the same object share one Context; it is freed
// back to nothing once the last holder calls Put.
type Context struct {
	SeqNum uint64
	Snaps  []uint64

	refs int32
}

// New creates a Context with one reference held by the caller.
func New(seq uint64, snaps []uint64) *Context {
	cp := make([]uint64, len(snaps))
	copy(cp, snaps)
	return &Context{SeqNum: seq, Snaps: cp, refs: 1}
}

// Get adds a reference and returns the same Context.
func (c *Context) Get() *Context {
	atomic.AddInt32(&c.refs, 1)
	return c
}

// Put releases a reference. It returns true if this call released the
// last reference. Callers must not touch the Context after that.
func (c *Context) Put() bool {
	return atomic.AddInt32(&c.refs, -1) == 0
}
