// Package dispatcher is the client's core request-routing loop: start a
// request, place it against the current map, send it, handle its
// reply, and resend it if the map changes or a daemon goes silent. It
// follows the original client's two-lock discipline: the map lock is
// always taken before the request-table lock, never the other way
// around, so a map update and a request lookup can never deadlock
// against each other.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"github.com/congxueyang/osdc/daemonreg"
	"github.com/congxueyang/osdc/internal/monitor"
	"github.com/congxueyang/osdc/internal/osdmap"
	"github.com/congxueyang/osdc/internal/pages"
	"github.com/congxueyang/osdc/internal/telemetry"
	"github.com/congxueyang/osdc/internal/transport"
	"github.com/congxueyang/osdc/internal/wire"
	"github.com/congxueyang/osdc/placement"
	"github.com/congxueyang/osdc/reqindex"
	"github.com/congxueyang/osdc/request"
)

// Dispatcher owns the in-flight request table, the current map
// snapshot, and the daemon session registry. One Dispatcher backs one
// client.Client.
type Dispatcher struct {
	log telemetry.Logger

	mapMu sync.RWMutex
	m     *osdmap.Map

	reqMu sync.Mutex
	reqs  reqindex.Index

	daemons *daemonreg.Registry
	mon     monitor.Monitor

	clientInc uint32
	tidNext   uint64

	osdTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	rng *rand.Rand
}

// Config bundles the tunables StartRequest/timeout behavior needs.
type Config struct {
	ClientInc  uint32
	OSDTimeout time.Duration
}

// New builds a Dispatcher against the given monitor. Start must be
// called before any requests are issued.
func New(cfg Config, mon monitor.Monitor, log telemetry.Logger) *Dispatcher {
	d := &Dispatcher{
		log:        telemetry.Component(log, "dispatcher"),
		m:          &osdmap.Map{Daemons: make(map[int32]osdmap.Daemon)},
		clientInc:  cfg.ClientInc,
		osdTimeout: cfg.OSDTimeout,
		mon:        mon,
		stopCh:     make(chan struct{}),
		rng:        rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
	}
	d.daemons = daemonreg.New(transport.Callbacks{
		OnPreparePages: d.preparePages,
		OnReply:        d.handleReply,
		OnReset:        d.handleReset,
	})
	return d
}

// preparePages is the transport callback that hands a reply's incoming
// data segment somewhere to land: the page vector the request was
// issued with. Mirrors ceph_osdc_prepare_pages keying the destination
// off the in-flight request (by tid here, by req->r_request->tid
// there), not off anything carried in the reply header itself.
func (d *Dispatcher) preparePages(tid uint64, wantLen int) (*pages.Vector, error) {
	d.reqMu.Lock()
	r := d.reqs.Lookup(tid)
	d.reqMu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("dispatcher: preparePages: unknown tid %d", tid)
	}
	return r.Pages, nil
}

// Start fetches the initial map, begins watching for updates, and
// starts the timeout worker. It returns once the initial map has been
// loaded.
func (d *Dispatcher) Start(ctx context.Context) error {
	initial, err := d.mon.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: initial map fetch: %w", err)
	}
	d.mapMu.Lock()
	d.m = initial
	d.mapMu.Unlock()

	d.wg.Add(2)
	go d.watchLoop(ctx)
	go d.timeoutLoop()
	return nil
}

// Stop tears down the timeout worker, the map watch, and every daemon
// session.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.daemons.CloseAll()
}

// watchLoop keeps a map watch open for the dispatcher's whole lifetime.
// A single failed Watch call (a transient stream error, a restarting
// monitor) must not strand the client on whatever epoch it last saw, so
// on any exit other than ctx cancellation it reconnects with capped
// exponential backoff instead of returning for good. It derives its own
// child context tied to stopCh so Stop can unblock a Watch call that is
// sitting on the caller's ctx (which Stop itself has no way to cancel),
// the same way timeoutLoop already reacts to stopCh directly.
func (d *Dispatcher) watchLoop(ctx context.Context) {
	defer d.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := d.mon.Watch(ctx, d.handleMapChange)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.log.Warn("map watch exited, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// handleMapChange folds one monitor update batch onto the installed map
// and kicks every request whose routing may now be stale. This is the
// map handler of spec §4.7: apply any incrementals that immediately
// extend the current epoch, then apply the batch's last full map if
// it is still newer than that, rejecting the whole batch if it names a
// different cluster than the one already installed.
func (d *Dispatcher) handleMapChange(u *osdmap.Update) {
	d.mapMu.Lock()
	next, err := osdmap.ApplyUpdate(d.m, u)
	if err != nil {
		d.mapMu.Unlock()
		d.log.Error("osd map update rejected")
		return
	}
	prevEpoch := d.m.Epoch
	d.m = next
	d.mapMu.Unlock()

	if next.Epoch <= prevEpoch {
		return
	}
	d.log.Info("map updated")
	d.kickRequests(0, "")
}

// kickRequests implements spec §4.5's kick_requests(addr): walk every
// request with tid >= floor and resend the ones needsKick says actually
// need it. Passing "" for addr is kick_requests(NULL) — a map-change
// kick that only touches requests whose placement genuinely moved,
// which is what makes it idempotent when the map didn't change
// anyone's routing (spec §8). A non-empty addr is a reset-triggered
// kick that forces a resend of everything currently routed there,
// whether or not placement changed, since the thing that actually
// needs retransmitting is the connection, not the routing decision.
// Locking: the map pointer is snapshotted under the map read lock,
// which is released before the request-table lock is taken to collect
// candidates; needsKick and mapOSDs then run with neither lock held.
func (d *Dispatcher) kickRequests(floor uint64, addr string) {
	d.mapMu.RLock()
	m := d.m
	d.mapMu.RUnlock()

	d.reqMu.Lock()
	var candidates []*request.Request
	for r := d.reqs.LowestGE(floor); r != nil; {
		if !r.HasStatus(request.StatusDone | request.StatusAborted) {
			candidates = append(candidates, r.Get())
		}
		next := d.reqs.LowestGE(r.Tid + 1)
		if next == r {
			break
		}
		r = next
	}
	d.reqMu.Unlock()

	for _, r := range candidates {
		if !d.needsKick(r, m, addr) {
			r.Put()
			continue
		}
		if err := d.mapOSDs(context.Background(), r, m, true); err != nil {
			d.log.Warn("kick resend failed, deferring to timeout worker")
			r.SetStatus(r.Status() | request.StatusResend)
		}
		r.Put()
	}
}

// needsKick is the two-branch decision spec §4.5's kick protocol makes
// per request: always resend one already marked StatusResend or
// (when addr is set) currently routed there, otherwise resend only if
// recomputing placement against m actually moves it off its last
// routed ordinal or takes its primary down. A request whose routing is
// untouched by m is left alone, which is what keeps a no-op map change
// from resending the whole in-flight table.
func (d *Dispatcher) needsKick(r *request.Request, m *osdmap.Map, addr string) bool {
	if r.HasStatus(request.StatusResend) {
		return true
	}
	if addr != "" {
		return r.RoutedAddr() == addr
	}
	plen := r.ReqLength
	res := placement.Calculate(&r.Layout, r.Vino, r.Pool, r.FileOffset, &plen, m)
	return !res.Up || res.Ordinal != r.RoutedOrdinal()
}

// StartRequest assigns a tid, places the request against the current
// map, registers it in the request table, and sends it. req.Req must
// already have its Ops/OID/snapshot fields populated by the caller
// (the client facade); StartRequest fills in routing-dependent header
// fields (layout, osdmap epoch) before sending.
//
// nofail mirrors spec §4.5/§7's send-failure policy: if the initial
// send fails and nofail is set, the request stays registered with its
// resend bit set for the timeout worker to retry, and StartRequest
// reports success. Otherwise a send failure unregisters the request
// and the error is returned to the caller.
func (d *Dispatcher) StartRequest(ctx context.Context, r *request.Request, nofail bool) error {
	d.reqMu.Lock()
	d.tidNext++
	r.Tid = d.tidNext
	r.SetStatus(request.StatusNew)
	if len(r.Req.Ops) > 0 {
		// Capture the file-relative extent once, before mapOSDs starts
		// overwriting Ops[0] with object-relative values on each send.
		r.FileOffset = r.Req.Ops[0].Offset
		r.ReqLength = r.Req.Ops[0].Length
	}
	d.reqs.Insert(r.Tid, r.Get()) // index holds one reference for as long as r stays registered
	d.reqMu.Unlock()

	d.mapMu.RLock()
	m := d.m
	d.mapMu.RUnlock()

	if err := d.mapOSDs(ctx, r, m, false); err != nil {
		if nofail {
			d.log.Warn("initial send failed, deferring to timeout worker")
			r.SetStatus(r.Status() | request.StatusResend)
			return nil
		}
		d.unregister(r)
		return err
	}
	return nil
}

// mapOSDs computes placement for r against m, reroutes its daemon
// session if the primary changed, and sends it. This is send_request
// plus the routing half of map_osds from spec §4.5. retry marks the
// outbound header's RETRY flag, per spec §4.5's kick protocol ("set
// the RETRY flag and call send"); it is false only for a request's very
// first send.
func (d *Dispatcher) mapOSDs(ctx context.Context, r *request.Request, m *osdmap.Map, retry bool) error {
	if r.HasStatus(request.StatusAborted) {
		// Abort marks the request before unregistering it; a kick, reset
		// or sweep that picked it up earlier does not send it.
		return nil
	}
	plen := r.ReqLength
	res := placement.Calculate(&r.Layout, r.Vino, r.Pool, r.FileOffset, &plen, m)
	if !res.Up {
		// spec §4.5: "ask the monitor for a newer map and return
		// success". This client's monitor pushes every new epoch to
		// watchLoop as soon as it is published (see internal/monitor),
		// so there is no separate poll-for-newer-map call to make here;
		// the request simply stays registered until handleMapChange
		// kicks it once a map with an up primary for this PG arrives.
		d.log.Warn("placement primary down, deferring")
		return nil
	}

	// The request already holds a reference on its routed session's
	// refcount (taken the last time it was routed here); reuse it
	// without touching that count unless the route actually changed or
	// the session it pointed at is gone (a reset tore it down).
	prevOrdinal := r.RoutedOrdinal()
	sess := d.daemons.Lookup(prevOrdinal)
	if prevOrdinal != res.Ordinal || sess == nil {
		newSess, err := d.daemons.Get(ctx, res.Ordinal, res.Addr)
		if err != nil {
			return fmt.Errorf("dispatcher: route request %d: %w", r.Tid, err)
		}
		// Only drop the old reference when it named a session distinct
		// from the one Get just returned. If the ordinal is unchanged but
		// Lookup came back nil, the previous session was already torn
		// down by a reset (Registry.drop already removed it); Get's fresh
		// session under the same ordinal starts its own refcount at 1, and
		// Putting prevOrdinal here would decrement that brand-new session
		// instead of the gone one, closing the connection we just dialed.
		if prevOrdinal != request.NoOrdinal && prevOrdinal != res.Ordinal {
			d.daemons.Put(prevOrdinal)
		}
		r.RouteTo(res.Ordinal, res.Addr)
		sess = newSess
	}

	ops := r.ComposeOps(res.ObjectOffset, res.ObjectLength)
	r.OID = res.OID
	r.Req.Ops = ops
	r.Req.OID = res.OID
	r.Req.Header.NumOps = uint16(len(ops))
	r.Req.Header.ObjectLen = uint32(len(res.OID))
	r.Req.Header.TicketLen = uint32(len(r.Req.Ticket))
	r.Req.Header.NumSnaps = uint32(len(r.Req.Snaps))

	if r.Flags&wire.FlagWrite != 0 && r.Pages != nil {
		// The page vector was allocated against this call's single-object
		// extent (client.WritePages), so the bytes this send/resend needs
		// always start at vector offset 0, sized by the same object-
		// clipped length ComposeOps just used for the primary op's
		// PayloadLen. Mirrors the original's req->r_request->pages =
		// req->r_pages: the outbound message borrows the caller's page
		// vector directly rather than owning a copy.
		buf := make([]byte, res.ObjectLength)
		if _, err := r.Pages.ReadAt(0, buf); err != nil {
			return fmt.Errorf("dispatcher: stage write payload for request %d: %w", r.Tid, err)
		}
		r.Req.Data = buf
	} else {
		r.Req.Data = nil
	}

	r.Req.Header.Tid = r.Tid
	r.Req.Header.ClientInc = d.clientInc
	r.Req.Header.OsdmapEpoch = m.Epoch
	r.Req.Header.Layout = wire.PGRouting{Pool: r.Pool, PGID: res.PGID, ObjectSize: uint32(r.Layout.ObjectSize)}
	r.Req.Header.Flags = r.Flags
	if retry {
		r.Req.Header.Flags |= wire.FlagRetry
	}
	r.Req.Header.Reassert = r.ReassertVersion
	r.TimeoutStamp = time.Now().Add(d.osdTimeout)
	r.SetStatus(request.StatusInFlight)

	if err := sess.Send(r.Req); err != nil {
		return fmt.Errorf("dispatcher: send request %d: %w", r.Tid, err)
	}
	return nil
}

// handleReply is the transport callback invoked once a full
// OSD_OPREPLY has been decoded. This is the reply handler of spec §4.6:
// distinguish ack from on-disk (commit) completion and update the
// request record. The first reply completes Done() waiters (a write's
// fast ack included); SafeDone() waiters are completed, and the request
// unregistered, once ON_DISK has been seen (or immediately for a read,
// which has no separate commit phase).
func (d *Dispatcher) handleReply(rep *wire.Reply) {
	d.reqMu.Lock()
	r := d.reqs.Lookup(rep.Header.Tid)
	d.reqMu.Unlock()
	if r == nil {
		d.log.Debug("reply for unknown tid")
		return
	}
	if r.HasStatus(request.StatusAborted) {
		return
	}

	isWrite := r.Flags&wire.FlagWrite != 0
	onDisk := rep.Header.Flags&wire.FlagOnDisk != 0
	firstReply := !r.HasStatus(request.StatusGotReply)

	if !firstReply && !onDisk {
		// Duplicate ack: harmless, drop it.
		d.log.Debug("duplicate ack dropped")
		return
	}

	if firstReply {
		r.Rep = rep
		r.Result = rep.Header.Result
		r.ReassertVersion = rep.Header.Reassert
		r.SetStatus(r.Status() | request.StatusGotReply)
	}

	if !isWrite || onDisk {
		d.unregister(r)
		r.SetStatus(r.Status() | request.StatusOnDisk)
		r.CompleteSafe(rep.Header.Result)
		return
	}

	// Fast ack on a write still awaiting its commit: surface the first
	// response but stay registered for the ON_DISK reply.
	r.Complete(rep.Header.Result)
}

// unregister removes r from the request table and releases the index's
// reference and its daemon-session membership. It is idempotent: a
// request can be unregistered at most once, whether that happens here
// (on its final reply) or from Abort, so a race between the two never
// double-frees the index's reference or double-closes a session.
func (d *Dispatcher) unregister(r *request.Request) {
	if !r.MarkUnregistered() {
		return
	}
	d.reqMu.Lock()
	d.reqs.Remove(r.Tid)
	d.reqMu.Unlock()
	if ord := r.RoutedOrdinal(); ord != request.NoOrdinal {
		d.daemons.Put(ord)
	}
	r.Put()
}

// Abort unregisters r (if still registered), marks it aborted, and
// wakes any waiter on a completion signal that has not yet fired,
// recording -1 as the result — a
// write stuck waiting on a commit that will now never arrive must not
// hang Sync forever. Per spec §4.9/§5, callers must mark aborted
// before revoking r's pages so a racing kick or reply handler observes
// aborted and does not act on a stale send.
func (d *Dispatcher) Abort(r *request.Request) {
	r.SetStatus(r.Status() | request.StatusAborted)
	d.unregister(r)
	r.CompleteSafe(-1)
}

// handleReset is the transport callback invoked when a daemon
// connection drops. Every request still routed to that ordinal is
// resent once the registry has dialed a fresh connection (or, if the
// map now shows it down, left pending until a future map change routes
// it elsewhere).
func (d *Dispatcher) handleReset(ordinal int32) {
	d.log.Warn("daemon connection reset")
	d.mapMu.RLock()
	m := d.m
	d.mapMu.RUnlock()

	d.reqMu.Lock()
	var affected []*request.Request
	d.reqs.Walk(func(_ uint64, r *request.Request) bool {
		if r.RoutedOrdinal() == ordinal && !r.HasStatus(request.StatusDone|request.StatusAborted) {
			affected = append(affected, r.Get())
		}
		return true
	})
	d.reqMu.Unlock()

	for _, r := range affected {
		if err := d.mapOSDs(context.Background(), r, m, true); err != nil {
			d.log.Warn("post-reset resend failed, deferring to timeout worker")
			r.SetStatus(r.Status() | request.StatusResend)
		}
		r.Put()
	}
}

// Sync blocks until every write request registered with tid <= the
// table's current high-water mark has reached its safe (ON_DISK)
// completion. Per spec §4.9, snapshotting the high-water mark first
// and only ever advancing forward through the index means a steady
// stream of new writes (which get higher tids) cannot starve Sync.
func (d *Dispatcher) Sync(ctx context.Context) error {
	d.reqMu.Lock()
	lastTid := d.tidNext
	d.reqMu.Unlock()

	tid := uint64(1)
	for {
		d.reqMu.Lock()
		r := d.reqs.LowestGE(tid)
		if r == nil || r.Tid > lastTid {
			d.reqMu.Unlock()
			return nil
		}
		next := r.Tid + 1
		if r.Flags&wire.FlagWrite == 0 {
			d.reqMu.Unlock()
			tid = next
			continue
		}
		r = r.Get()
		d.reqMu.Unlock()

		select {
		case <-r.SafeDone():
		case <-ctx.Done():
			r.Put()
			return ctx.Err()
		}
		r.Put()
		tid = next
	}
}

// InFlightCount returns the number of requests currently tracked in
// the request table, for introspection tooling.
func (d *Dispatcher) InFlightCount() int {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	return d.reqs.Len()
}

// MapEpoch returns the epoch of the currently installed map snapshot.
func (d *Dispatcher) MapEpoch() uint32 {
	d.mapMu.RLock()
	defer d.mapMu.RUnlock()
	return d.m.Epoch
}

// Daemons returns the ordinals of daemons known to the current map
// snapshot, for introspection tooling.
func (d *Dispatcher) Daemons() []int32 {
	d.mapMu.RLock()
	defer d.mapMu.RUnlock()
	out := make([]int32, 0, len(d.m.Daemons))
	for ord := range d.m.Daemons {
		out = append(out, ord)
	}
	return out
}

// timeoutLoop is the timeout worker of spec §4.8: once per osd_timeout
// it refreshes the map, retries requests marked for resend, and pushes
// the timeout stamp of every request that has been in flight too long
// forward. For each daemon with an overdue request it sleeps a random
// jitter and logs a debug line once per sweep, not once per request.
// No ping message is sent to the daemon.
func (d *Dispatcher) timeoutLoop() {
	defer d.wg.Done()
	interval := d.osdTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-t.C:
			d.sweepTimeouts()
		}
	}
}

// refreshMap asks the monitor for the current full map on every sweep,
// per spec §4.8 step 1's "request a newer map unconditionally (bounded
// by the monitor client's own throttling)". This is the fallback path
// for a watch stream that has stalled without erroring out: watchLoop
// only resumes learning about new epochs once Watch itself notices
// something is wrong, so without this a client could sit on a stale
// map indefinitely even though its connection to the monitor looks
// fine. Folding the result through handleMapChange keeps this on the
// exact same apply-and-kick path a pushed update takes, so a redundant
// fetch of an unchanged map is a no-op (handleMapChange's epoch check),
// not a duplicate kick.
func (d *Dispatcher) refreshMap() {
	interval := d.osdTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()
	full, err := d.mon.Fetch(ctx)
	if err != nil {
		d.log.Warn("periodic map refresh failed")
		return
	}
	d.handleMapChange(&osdmap.Update{Fulls: []*osdmap.Map{full}})
}

func (d *Dispatcher) sweepTimeouts() {
	d.refreshMap()

	now := time.Now()
	pinged := make(map[int32]struct{})

	d.mapMu.RLock()
	m := d.m
	d.mapMu.RUnlock()

	d.reqMu.Lock()
	var needResend, overdue []*request.Request
	d.reqs.Walk(func(_ uint64, r *request.Request) bool {
		switch {
		case r.HasStatus(request.StatusResend):
			needResend = append(needResend, r.Get())
		case r.HasStatus(request.StatusInFlight) && now.After(r.TimeoutStamp):
			overdue = append(overdue, r.Get())
		}
		return true
	})
	d.reqMu.Unlock()

	// Requests whose initial nofail send failed get retried first;
	// resend stays set on failure so the next sweep tries again.
	for _, r := range needResend {
		if err := d.mapOSDs(context.Background(), r, m, true); err != nil {
			d.log.Warn("resend failed, will retry next sweep")
		} else {
			r.SetStatus(r.Status() &^ request.StatusResend)
		}
		r.Put()
	}

	for _, r := range overdue {
		r.TimeoutStamp = now.Add(d.osdTimeout)
		ordinal := r.RoutedOrdinal()
		if _, done := pinged[ordinal]; !done {
			pinged[ordinal] = struct{}{}
			jitter := time.Duration(d.rng.Int63n(int64(d.osdTimeout)/4 + 1))
			time.Sleep(jitter)
			d.log.Debug("daemon silent past timeout")
		}
		r.Put()
	}
}
