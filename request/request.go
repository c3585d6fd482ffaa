// Package request implements the client's per-operation request record:
// the tid-keyed object the dispatcher builds, routes, resends on a map
// change, and completes. It also implements the bounded request
// mempool spec §9's forward-progress requirement calls for.
package request

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/congxueyang/osdc/internal/layout"
	"github.com/congxueyang/osdc/internal/pages"
	"github.com/congxueyang/osdc/internal/snapcontext"
	"github.com/congxueyang/osdc/internal/wire"
)

// Status bits track a request's progress through the dispatcher.
type Status uint32

const (
	StatusNew Status = 1 << iota
	StatusInFlight
	StatusGotReply
	StatusOnDisk
	StatusAborted
	StatusDone
	// StatusResend marks a request whose send failed on a nofail path
	// (spec §4.5/§7): the timeout worker retries it instead of the
	// caller seeing an error.
	StatusResend
)

// Request is one in-flight (or completed-but-not-yet-Put) client
// operation. Every exported field not explicitly documented as
// lock-free is owned by the dispatcher's request map mutex; Request
// itself adds only the fine-grained synchronization that needs to
// outlive that lock (pages, status, completion).
type Request struct {
	Tid  uint64
	OID  string
	Pool uint64

	Layout layout.FileLayout
	Vino   layout.Vino
	Snap   *snapcontext.Context

	Pages    *pages.Vector
	NumPages int

	Flags uint32

	// FileOffset and ReqLength are the file-relative extent this
	// request was built against, captured once at registration time.
	// mapOSDs recomputes the object-relative offset/length from these
	// on every send/resend/reroute, so repeated placement calls stay
	// idempotent even though the outbound op's own Offset/Length get
	// overwritten with the object-relative values each time.
	FileOffset uint64
	ReqLength  uint64

	// TruncSeq/TruncSize mirror the original build() parameters of the
	// same name: when set, mapOSDs appends a MASKTRUNC (read) or
	// SETTRUNC (write) op once the extent reaches past TruncSize,
	// biased into object-relative terms.
	TruncSeq  uint32
	TruncSize uint64
	// DoSync appends a STARTSYNC op after the primary op.
	DoSync bool

	Req *wire.Request
	Rep *wire.Reply

	Result int32

	ReassertVersion wire.ReassertVersion

	TimeoutStamp time.Time

	routedOrdinal int32
	routedAddr    string

	status int32 // atomic Status

	mu       sync.Mutex
	done     chan struct{}
	safeDone chan struct{}

	refs int32

	pool         *Pool
	unregistered int32 // atomic bool; CAS'd by dispatcher.unregister/Abort
}

// New builds a fresh Request record. It is returned with one reference
// held (as if just taken off the pool) and status StatusNew.
func New() *Request {
	return &Request{
		status:        int32(StatusNew),
		done:          make(chan struct{}),
		safeDone:      make(chan struct{}),
		refs:          1,
		routedOrdinal: NoOrdinal,
	}
}

// NoOrdinal marks a Request that has never been routed to a daemon.
const NoOrdinal int32 = -1

// Reset clears a Request back to its zero operational state so a Pool
// can hand it out again. The wire/page/snap-context handles are
// cleared explicitly since they carry their own lifetimes.
func (r *Request) Reset() {
	r.Tid = 0
	r.OID = ""
	r.Pool = 0
	r.Layout = layout.FileLayout{}
	r.Vino = layout.Vino{}
	r.Snap = nil
	r.Pages = nil
	r.NumPages = 0
	r.Flags = 0
	r.FileOffset = 0
	r.ReqLength = 0
	r.TruncSeq = 0
	r.TruncSize = 0
	r.DoSync = false
	r.Req = nil
	r.Rep = nil
	r.Result = 0
	r.ReassertVersion = wire.ReassertVersion{}
	r.TimeoutStamp = time.Time{}
	r.routedOrdinal = NoOrdinal
	r.routedAddr = ""
	atomic.StoreInt32(&r.status, int32(StatusNew))
	r.done = make(chan struct{})
	r.safeDone = make(chan struct{})
	r.refs = 1
	atomic.StoreInt32(&r.unregistered, 0)
}

// MarkUnregistered transitions the request from registered to
// unregistered exactly once, reporting whether this call performed
// the transition. It guards the request index's reference so a racing
// Abort and reply-driven unregister cannot both drop it.
func (r *Request) MarkUnregistered() bool {
	return atomic.CompareAndSwapInt32(&r.unregistered, 0, 1)
}

// Get adds a reference.
func (r *Request) Get() *Request {
	atomic.AddInt32(&r.refs, 1)
	return r
}

// Put releases a reference, reporting whether this call released the
// last one. If the request was handed out by a Pool, the last Put
// returns it to that pool automatically, so any holder of the final
// reference (the facade, or the dispatcher dropping the index's
// reference on unregister) recycles it without needing to know who
// else might still be about to let go.
func (r *Request) Put() bool {
	if atomic.AddInt32(&r.refs, -1) != 0 {
		return false
	}
	if r.pool != nil {
		r.pool.Release(r)
	}
	return true
}

// Status returns the current status bits.
func (r *Request) Status() Status {
	return Status(atomic.LoadInt32(&r.status))
}

// SetStatus replaces the status bits.
func (r *Request) SetStatus(s Status) {
	atomic.StoreInt32(&r.status, int32(s))
}

// HasStatus reports whether all bits of want are set.
func (r *Request) HasStatus(want Status) bool {
	return Status(atomic.LoadInt32(&r.status))&want == want
}

// ComposeOps builds the on-wire op array for one send/resend of r
// against the object named oid, whose extent [objOff, objOff+objLen)
// within that object was just computed by the placement engine. This
// is the auxiliary-op half of the original build()'s calc_layout: the
// primary READ or WRITE, then a MASKTRUNC (read) or SETTRUNC (write)
// once the extent reaches past r.TruncSize, biased by
// (r.FileOffset - objOff) so the daemon sees the boundary expressed
// object-relative, then a STARTSYNC if r.DoSync is set. The trigger
// checks the request's original, pre-shortening extent
// (r.FileOffset + r.ReqLength), not the object-clipped objLen: the
// original computes do_trunc from off + *plen before calc_layout
// mutates *plen, so a write whose full extent crosses the truncate
// boundary still gets a SETTRUNC op even on an object-clipped slice
// that by itself would not. Recomputing this on every mapOSDs call is
// safe: it is a pure function of fields fixed at registration time
// (FileOffset, ReqLength, TruncSeq, TruncSize, DoSync, Flags) plus the
// freshly computed object mapping.
func (r *Request) ComposeOps(objOff, objLen uint64) []wire.Op {
	opcode := wire.OpRead
	if r.Flags&wire.FlagWrite != 0 {
		opcode = wire.OpWrite
	}
	primary := wire.Op{Op: opcode, Offset: objOff, Length: objLen}
	if opcode == wire.OpWrite {
		primary.PayloadLen = uint32(objLen)
	}
	ops := []wire.Op{primary}

	if r.TruncSeq != 0 && r.FileOffset+r.ReqLength > r.TruncSize {
		truncOp := wire.OpMaskTrunc
		if opcode == wire.OpWrite {
			truncOp = wire.OpSetTrunc
		}
		bias := r.FileOffset - objOff
		size := r.TruncSize
		if bias < size {
			size -= bias
		} else {
			size = 0
		}
		ops = append(ops, wire.Op{Op: truncOp, TruncateSeq: r.TruncSeq, TruncateSize: size})
	}
	if r.DoSync {
		ops = append(ops, wire.Op{Op: wire.OpStartSync})
	}
	return ops
}

// RouteTo records which daemon a request was sent to, so a later reply
// or reset can be matched back to the connection it arrived on. This
// unifies the original client's r_osd and r_last_osd/r_last_osd_addr:
// this client tracks only "where a request is currently routed",
// updated each time map_osds reroutes it.
func (r *Request) RouteTo(ordinal int32, addr string) {
	r.mu.Lock()
	r.routedOrdinal = ordinal
	r.routedAddr = addr
	r.mu.Unlock()
}

// RoutedOrdinal returns the daemon ordinal this request is currently
// routed to, or -1 if it has never been routed.
func (r *Request) RoutedOrdinal() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routedOrdinal
}

// RoutedAddr returns the address this request is currently routed to.
func (r *Request) RoutedAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routedAddr
}

// Complete signals the request's first-response completion (spec
// §4.6's got_reply signal: a read's only response, or a write's fast
// ack). Safe to call more than once; only the first call has any
// effect. A read has no separate safe phase, so callers that know a
// request is read-only may treat Done() as final.
func (r *Request) Complete(result int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	r.Result = result
	close(r.done)
}

// CompleteSafe signals the request's durable (ON_DISK) completion:
// spec §4.6's safe signal, which strictly follows got_reply. It is a
// no-op past the first call. Calling it also satisfies Done() for
// callers that only waited on the first response.
func (r *Request) CompleteSafe(result int32) {
	// StatusDone is set before Complete closes done, so a waiter woken
	// by Done() already observes it.
	atomic.StoreInt32(&r.status, int32(r.Status()|StatusDone))
	r.Complete(result)
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.safeDone:
		return
	default:
	}
	r.Result = result
	close(r.safeDone)
}

// Done returns the channel closed once the request's first response
// (read result, or write ack) has arrived.
func (r *Request) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// SafeDone returns the channel closed once the request's durable
// (ON_DISK) completion has arrived. For reads this closes alongside
// Done(), since a read has no separate commit phase.
func (r *Request) SafeDone() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.safeDone
}

// Pool is a bounded, blocking freelist of Request records. Unlike
// sync.Pool, entries are never evicted by the garbage collector and Get
// blocks rather than allocating once the pool is exhausted, giving
// writers the forward-progress guarantee spec §9's mempool requirement
// calls for: a client under memory pressure can still make progress on
// in-flight writes instead of failing a new allocation.
type Pool struct {
	free chan *Request
}

// NewPool preallocates size Request records.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{free: make(chan *Request, size)}
	for i := 0; i < size; i++ {
		r := New()
		r.pool = p
		p.free <- r
	}
	return p
}

// Get blocks until a Request is available.
func (p *Pool) Get() *Request {
	return <-p.free
}

// TryGet returns a Request without blocking, or nil if none is free.
func (p *Pool) TryGet() *Request {
	select {
	case r := <-p.free:
		return r
	default:
		return nil
	}
}

// Release resets r and returns it to the pool. Release must only be
// called once the last reference (per Put) has gone away.
func (p *Pool) Release(r *Request) {
	r.Reset()
	select {
	case p.free <- r:
	default:
		// Pool was over-subscribed (more Releases than preallocated
		// entries); drop it rather than block the releasing goroutine.
	}
}
