package placement

import (
	"testing"

	"github.com/congxueyang/osdc/internal/layout"
	"github.com/congxueyang/osdc/internal/osdmap"
)

func TestCalculateRoutesToPrimary(t *testing.T) {
	fl := &layout.FileLayout{ObjectSize: 4 << 20}
	vino := layout.Vino{Ino: 7, Snap: layout.NoSnap}
	m := &osdmap.Map{
		NumPG: 4,
		Daemons: map[int32]osdmap.Daemon{
			0: {Ordinal: 0, Addr: "10.0.0.1:6800", Up: true},
		},
	}

	plen := uint64(100)
	res := Calculate(fl, vino, 1, 0, &plen, m)

	if res.OID != layout.FormatOID(vino.Ino, 0) {
		t.Errorf("OID = %q", res.OID)
	}
	if res.ObjectOffset != 0 || res.ObjectLength != 100 {
		t.Errorf("offset/length = %d/%d", res.ObjectOffset, res.ObjectLength)
	}
	if !res.Up {
		t.Error("expected primary to be up")
	}
	if res.Addr == "" {
		t.Error("expected a resolved address")
	}
}

func TestCalculateShortensAtObjectBoundary(t *testing.T) {
	fl := &layout.FileLayout{ObjectSize: 4 << 20}
	vino := layout.Vino{Ino: 1, Snap: layout.NoSnap}
	m := &osdmap.Map{NumPG: 1, Daemons: map[int32]osdmap.Daemon{0: {Ordinal: 0, Addr: "a:1", Up: true}}}

	plen := uint64(8 << 10)
	off := uint64(4<<20 - 4<<10)
	res := Calculate(fl, vino, 0, off, &plen, m)

	if plen != 4<<10 {
		t.Errorf("plen = %d, want %d", plen, 4<<10)
	}
	if res.ObjectLength != 4<<10 {
		t.Errorf("ObjectLength = %d, want %d", res.ObjectLength, 4<<10)
	}
}
