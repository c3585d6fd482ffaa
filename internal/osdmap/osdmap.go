// Package osdmap models the cluster topology snapshot the client needs
// to turn a placement-group id into a daemon address: which ordinals
// are up, what address each is reachable at, and the epoch the snapshot
// is current as of. It also carries the placement-group primary
// computation the dispatcher's map_osds step calls.
package osdmap

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/congxueyang/osdc/internal/layout"
)

// ErrFsidMismatch is returned by ApplyUpdate when an incoming map or
// incremental names a different cluster than the one already installed,
// mirroring the original client's per-message fsid check in
// ceph_osdc_handle_map.
var ErrFsidMismatch = errors.New("osdmap: fsid mismatch")

// Daemon is one storage daemon's address as known to the map.
type Daemon struct {
	Ordinal int32
	Addr    string
	Up      bool
}

// Map is a single, immutable snapshot of cluster topology at a given
// epoch. Callers never mutate a Map in place; ApplyIncremental and
// DecodeFull both return a new Map so readers holding an old snapshot
// under a read lock are never surprised by a concurrent write.
type Map struct {
	Epoch   uint32
	Fsid    string
	Daemons map[int32]Daemon
	NumPG   uint32
}

// Incremental is the delta published between two epochs: daemons that
// changed address or up/down state since Epoch-1.
type Incremental struct {
	Epoch   uint32
	Fsid    string
	Changed []Daemon
	NumPG   uint32
}

// Update is one OSD_MAP message's payload: the batch of incrementals
// and full maps a monitor delivers together, in the wire order
// ceph_osdc_handle_map processes them (every incremental first, then
// any trailing full maps).
type Update struct {
	Incrementals []*Incremental
	Fulls        []*Map
}

// DecodeFull decodes a full map snapshot published by the monitor.
// The wire representation is an internal implementation detail (gob),
// never exposed across the client's external interfaces.
func DecodeFull(b []byte) (*Map, error) {
	var m Map
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, fmt.Errorf("osdmap: decode full map: %w", err)
	}
	if m.Daemons == nil {
		m.Daemons = make(map[int32]Daemon)
	}
	return &m, nil
}

// EncodeFull is the counterpart EtcdMonitor.Publish uses to publish a
// snapshot.
func EncodeFull(m *Map) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("osdmap: encode full map: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeIncremental decodes a topology delta.
func DecodeIncremental(b []byte) (*Incremental, error) {
	var inc Incremental
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&inc); err != nil {
		return nil, fmt.Errorf("osdmap: decode incremental: %w", err)
	}
	return &inc, nil
}

// EncodeIncremental is the counterpart EtcdMonitor.PublishIncremental
// uses to publish a delta.
func EncodeIncremental(inc *Incremental) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(inc); err != nil {
		return nil, fmt.Errorf("osdmap: encode incremental: %w", err)
	}
	return buf.Bytes(), nil
}

// ApplyIncremental returns a new Map with inc's changes layered over m.
// It refuses to apply a delta that does not immediately follow m's
// epoch, mirroring the original client's rule that an incremental for
// the wrong epoch means the client must instead request (or already be
// receiving) a full map.
func ApplyIncremental(m *Map, inc *Incremental) (*Map, error) {
	if inc.Epoch != m.Epoch+1 {
		return nil, fmt.Errorf("osdmap: incremental epoch %d does not follow map epoch %d", inc.Epoch, m.Epoch)
	}
	next := &Map{
		Epoch:   inc.Epoch,
		Fsid:    m.Fsid,
		NumPG:   inc.NumPG,
		Daemons: make(map[int32]Daemon, len(m.Daemons)),
	}
	for k, v := range m.Daemons {
		next.Daemons[k] = v
	}
	for _, d := range inc.Changed {
		next.Daemons[d.Ordinal] = d
	}
	if next.NumPG == 0 {
		next.NumPG = m.NumPG
	}
	return next, nil
}

// ApplyUpdate folds one Update's batch onto cur, per spec §4.7's map
// handler: apply each incremental in wire order while its epoch
// immediately follows the running epoch, skipping any that don't (a
// stale or out-of-order delta the client must instead pick up from a
// full map), then apply the batch's last full map if its epoch still
// exceeds the result of that — mirroring
// ceph_osdc_handle_map's "ignore all but the last full map, and only if
// its epoch is newer" rule. Once cur carries a nonzero Fsid, any entry
// naming a different one aborts the whole update with ErrFsidMismatch
// rather than applying a partial batch from what looks like a different
// cluster.
func ApplyUpdate(cur *Map, u *Update) (*Map, error) {
	next := cur
	for _, inc := range u.Incrementals {
		if cur.Fsid != "" && inc.Fsid != "" && inc.Fsid != cur.Fsid {
			return nil, fmt.Errorf("%w: cluster %s, incremental for %s", ErrFsidMismatch, cur.Fsid, inc.Fsid)
		}
		if inc.Epoch != next.Epoch+1 {
			continue
		}
		n, err := ApplyIncremental(next, inc)
		if err != nil {
			return nil, err
		}
		next = n
	}

	var lastFull *Map
	for _, f := range u.Fulls {
		if cur.Fsid != "" && f.Fsid != "" && f.Fsid != cur.Fsid {
			return nil, fmt.Errorf("%w: cluster %s, full map for %s", ErrFsidMismatch, cur.Fsid, f.Fsid)
		}
		lastFull = f
	}
	if lastFull != nil && lastFull.Epoch > next.Epoch {
		next = lastFull
	}
	return next, nil
}

// CalcPGPrimary computes the placement-group id for an object and
// resolves the daemon ordinal currently primary for it. PG assignment
// here is a simple, deterministic hash-mod-NumPG, standing in for the
// original's CRUSH computation: this client's job is request routing
// and retry, not replica placement policy.
func CalcPGPrimary(m *Map, pool uint64, oid string) (pgid uint64, ordinal int32, addr string, up bool) {
	h := fnv64a(oid)
	pgid = h % uint64(max32(m.NumPG, 1))
	ordinal = int32(pgid % uint64(max(len(m.Daemons), 1)))
	d, ok := m.Daemons[ordinal]
	if !ok {
		return pgid, ordinal, "", false
	}
	return pgid, ordinal, d.Addr, d.Up
}

// CalcObjectLayout composes a file layout and a file extent into the
// object mapping, delegating to layout.CalcFileObjectMapping and
// formatting the resulting object id.
func CalcObjectLayout(fl *layout.FileLayout, vino layout.Vino, off uint64, plen *uint64) (oid string, m layout.Mapping) {
	m = layout.CalcFileObjectMapping(fl, off, plen)
	return layout.FormatOID(vino.Ino, m.ObjectNo), m
}

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func max32(a uint32, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
