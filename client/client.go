// Package client is the top-level facade applications use: Init a
// client against a monitor endpoint, then ReadPages/WritePages against
// file extents, Sync to wait for every outstanding write to reach disk,
// and Stop to tear everything down. It mirrors the shape of the
// original client's ceph_osdc_* entry points and the teacher's
// SandstoreClient (open/read/write/fsync/close over a shared session).
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/congxueyang/osdc/dispatcher"
	"github.com/congxueyang/osdc/internal/layout"
	"github.com/congxueyang/osdc/internal/monitor"
	"github.com/congxueyang/osdc/internal/pages"
	"github.com/congxueyang/osdc/internal/snapcontext"
	"github.com/congxueyang/osdc/internal/telemetry"
	"github.com/congxueyang/osdc/internal/wire"
	"github.com/congxueyang/osdc/request"
)

// Config bundles everything Init needs to bring up a client.
type Config struct {
	OSDTimeout   time.Duration
	PoolSize     int
	MonitorEtcd  []string
	MonitorKey   string
}

// Client is the caller-facing handle. SessionID identifies this
// client's requests to daemons across reconnects, the way the teacher
// tags its sessions with a uuid.
type Client struct {
	SessionID uuid.UUID

	log  telemetry.Logger
	disp *dispatcher.Dispatcher
	pool *request.Pool
	mon  monitor.Monitor
}

// Init dials the monitor, builds the dispatcher, and starts it. Callers
// own the returned Client until Stop.
func Init(ctx context.Context, cfg Config, log telemetry.Logger) (*Client, error) {
	if log == nil {
		log = telemetry.NewNop()
	}
	mon, err := monitor.NewEtcdMonitor(cfg.MonitorEtcd, cfg.MonitorKey, log)
	if err != nil {
		return nil, fmt.Errorf("client: init monitor: %w", err)
	}

	sessionID := uuid.New()
	disp := dispatcher.New(dispatcher.Config{
		ClientInc:  binary.LittleEndian.Uint32(sessionID[:4]),
		OSDTimeout: cfg.OSDTimeout,
	}, mon, log)

	if err := disp.Start(ctx); err != nil {
		mon.Close()
		return nil, fmt.Errorf("client: start dispatcher: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize < 1 {
		poolSize = 16
	}

	return &Client{
		SessionID: sessionID,
		log:       telemetry.Component(log, "client"),
		disp:      disp,
		pool:      request.NewPool(poolSize),
		mon:       mon,
	}, nil
}

// Stop tears down the dispatcher and monitor connection. Outstanding
// requests are neither aborted nor completed by Stop.
func (c *Client) Stop() {
	c.disp.Stop()
	c.mon.Close()
}

// InFlightCount reports how many requests are currently tracked by the
// dispatcher, for introspection tooling such as cmd/osdc-mcp.
func (c *Client) InFlightCount() int {
	return c.disp.InFlightCount()
}

// MapEpoch reports the epoch of the map snapshot the dispatcher is
// currently routing against.
func (c *Client) MapEpoch() uint32 {
	return c.disp.MapEpoch()
}

// DaemonOrdinals reports the ordinals known to the current map
// snapshot.
func (c *Client) DaemonOrdinals() []int32 {
	return c.disp.Daemons()
}

// ReadPages issues a read for the extent [off, off+*plen) against vino
// under fl and blocks until the object's primary daemon replies or ctx
// is cancelled. Per spec §4.1/§4.9, a single call addresses exactly one
// object: if the extent crosses an object boundary, *plen is shortened
// in place to end at the boundary before the request is even sent, and
// it is the caller's job (mirroring the original ceph_osdc_readpages,
// one layer up from this core) to issue a further ReadPages call for
// the remainder. truncSeq/truncSize, when truncSeq is nonzero and the
// extent reaches past truncSize, add a MASKTRUNC op so the daemon can tell the client where to stop treating
// unread bytes as valid data past a known truncate point.
func (c *Client) ReadPages(ctx context.Context, vino layout.Vino, fl layout.FileLayout, off uint64, plen *uint64, truncSeq uint32, truncSize uint64) ([]byte, error) {
	r := c.pool.Get()
	r.Vino = vino
	r.Layout = fl
	r.Flags = wire.FlagRead
	r.TruncSeq = truncSeq
	r.TruncSize = truncSize
	r.Pages = pages.New(int(*plen))

	r.Req = &wire.Request{
		Header: wire.RequestHeader{SnapID: uint64(vino.Snap)},
		Ops:    []wire.Op{{Op: wire.OpRead, Offset: off, Length: *plen}},
	}

	if err := c.disp.StartRequest(ctx, r, false); err != nil {
		c.abandon(r)
		return nil, fmt.Errorf("client: read start: %w", err)
	}
	// StartRequest's first mapOSDs call has already shortened the
	// primary op's Length in place at the object boundary; hand the
	// caller back that same shortening.
	*plen = r.Req.Ops[0].Length

	if err := c.waitOne(ctx, r); err != nil {
		c.abandon(r)
		return nil, err
	}
	result := r.Result
	buf := r.Pages
	c.release(r)
	if result < 0 {
		return nil, fmt.Errorf("client: read: daemon returned errno %d", result)
	}
	n := int(result)
	if n > int(*plen) {
		n = int(*plen)
	}
	// Payload bytes are delivered via the transport's OnPreparePages
	// callback directly into the page vector; Result carries how many
	// of them are valid.
	return buf.Bytes(n), nil
}

// WritePages issues a write for [off, off+len(data)) against vino under
// fl, requiring vino.Snap == NoSnap per spec §4.9. Like ReadPages, a
// single call addresses exactly one object: if the extent crosses an
// object boundary the actual number of bytes written (which may be
// less than len(data)) is returned so the caller can issue a further
// call for the remainder, mirroring the original ceph_osdc_writepages.
// It waits only for the write's first (ack) completion, not its
// durable ON_DISK commit — call Sync to wait for durability.
// truncSeq/truncSize add a SETTRUNC op once the extent reaches past a
// known truncate point; doSync adds a STARTSYNC op. extraFlags are
// ORed with the ONDISK|WRITE flags every write carries. If nofail is
// set, a send failure at issue time is not reported to the caller; the
// timeout worker retries it instead (spec §4.5/§7's nofail policy).
func (c *Client) WritePages(ctx context.Context, vino layout.Vino, fl layout.FileLayout, snap *snapcontext.Context, off uint64, data []byte, truncSeq uint32, truncSize uint64, extraFlags uint32, doSync bool, nofail bool) (int, error) {
	if vino.Snap != layout.NoSnap {
		return 0, fmt.Errorf("client: write requires vino.Snap == NoSnap, got %d", vino.Snap)
	}

	r := c.pool.Get()
	r.Vino = vino
	r.Layout = fl
	r.Flags = extraFlags | wire.FlagOnDisk | wire.FlagWrite
	r.Snap = snap
	r.TruncSeq = truncSeq
	r.TruncSize = truncSize
	r.DoSync = doSync
	r.Pages = pages.New(len(data))
	if _, err := r.Pages.WriteAt(0, data); err != nil {
		c.abandon(r)
		return 0, fmt.Errorf("client: stage write payload: %w", err)
	}

	var snapSeq uint64
	var snapIDs []uint64
	if snap != nil {
		snapSeq = snap.SeqNum
		snapIDs = snap.Snaps
	}

	r.Req = &wire.Request{
		Header: wire.RequestHeader{
			SnapSeq:  snapSeq,
			NumSnaps: uint32(len(snapIDs)),
			Mtime:    nowTimespec(),
		},
		Ops:   []wire.Op{{Op: wire.OpWrite, Offset: off, Length: uint64(len(data))}},
		Snaps: snapIDs,
	}

	if err := c.disp.StartRequest(ctx, r, nofail); err != nil {
		c.abandon(r)
		return 0, fmt.Errorf("client: write start: %w", err)
	}
	// mapOSDs may have shortened the op at an object boundary; report
	// back only the bytes this call actually covers.
	n := int(r.Req.Ops[0].Length)

	if err := c.waitOne(ctx, r); err != nil {
		c.abandon(r)
		return 0, err
	}
	result := r.Result
	c.release(r)
	if result < 0 {
		return 0, fmt.Errorf("client: write: daemon returned errno %d", result)
	}
	return n, nil
}

// Sync blocks until every write issued with a tid at or before this
// call's snapshot of the table's high-water mark has reached ON_DISK
// (spec §4.9). Reads and writes issued after Sync is called are never
// waited on, so a steady stream of new writes cannot starve it.
func (c *Client) Sync(ctx context.Context) error {
	return c.disp.Sync(ctx)
}

// Abort cancels a request still in flight. Safe to call after the
// request has already completed. Per spec §4.9/§5, aborted must be set
// (and the request unregistered) before its page vector is revoked, so
// a racing kick or reply handler observes aborted and does not act on
// a stale send.
func (c *Client) Abort(r *request.Request) {
	c.disp.Abort(r)
	if r.Pages != nil {
		r.Pages.Revoke()
	}
}

func (c *Client) waitOne(ctx context.Context, r *request.Request) error {
	select {
	case <-r.Done():
		return nil
	case <-ctx.Done():
		c.Abort(r)
		return ctx.Err()
	}
}

// abandon drops the facade's reference on a request that never
// completed (start failed, or the caller's ctx was cancelled before
// any reply arrived). Put returns the request to its pool itself once
// every reference — including the index's, if it ever registered — is
// gone.
func (c *Client) abandon(r *request.Request) {
	r.SetStatus(r.Status() | request.StatusAborted)
	r.Put()
}

// release drops the facade's reference on a request that completed
// normally.
func (c *Client) release(r *request.Request) {
	r.Put()
}

func nowTimespec() wire.Timespec {
	now := time.Now()
	return wire.Timespec{Sec: uint64(now.Unix()), Nsec: uint64(now.Nanosecond())}
}
