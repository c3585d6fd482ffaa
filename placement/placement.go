// Package placement is the pure function at the center of map_osds:
// given a file layout, a file extent, and a map snapshot, compute which
// object the extent belongs to and which daemon is currently primary
// for it. It has no state and no locking of its own; the dispatcher
// calls it on a map snapshot taken under the map read lock, with the
// lock already released.
package placement

import (
	"github.com/congxueyang/osdc/internal/layout"
	"github.com/congxueyang/osdc/internal/osdmap"
)

// Result is everything the dispatcher needs to route and size a
// request for one object extent.
type Result struct {
	OID          string
	ObjectOffset uint64
	ObjectLength uint64
	PGID         uint64
	Ordinal      int32
	Addr         string
	Up           bool
}

// Calculate maps the extent [off, off+*plen) against fl, shortening
// *plen at an object boundary, then resolves the PG primary for the
// resulting object against m. pool is passed through to CalcPGPrimary,
// which does not use it: the PG id depends only on the object name.
func Calculate(fl *layout.FileLayout, vino layout.Vino, pool uint64, off uint64, plen *uint64, m *osdmap.Map) Result {
	oid, mapping := osdmap.CalcObjectLayout(fl, vino, off, plen)
	pgid, ordinal, addr, up := osdmap.CalcPGPrimary(m, pool, oid)
	return Result{
		OID:          oid,
		ObjectOffset: mapping.ObjectOffset,
		ObjectLength: mapping.ObjectLength,
		PGID:         pgid,
		Ordinal:      ordinal,
		Addr:         addr,
		Up:           up,
	}
}
