package layout

import "testing"

func TestCalcFileObjectMappingShortensAtBoundary(t *testing.T) {
	fl := &FileLayout{StripeUnit: 4 << 20, StripeCount: 1, ObjectSize: 4 << 20}

	off := uint64(4<<20 - 4<<10) // 4MiB - 4KiB
	plen := uint64(8 << 10)      // 8KiB requested

	m := CalcFileObjectMapping(fl, off, &plen)

	if plen != 4<<10 {
		t.Errorf("plen = %d, want %d", plen, 4<<10)
	}
	if m.ObjectNo != 0 {
		t.Errorf("ObjectNo = %d, want 0", m.ObjectNo)
	}
	if m.ObjectOffset != 4<<20-4<<10 {
		t.Errorf("ObjectOffset = %d, want %d", m.ObjectOffset, 4<<20-4<<10)
	}
	if m.ObjectLength != 4<<10 {
		t.Errorf("ObjectLength = %d, want %d", m.ObjectLength, 4<<10)
	}
}

func TestCalcFileObjectMappingWithinObject(t *testing.T) {
	fl := &FileLayout{ObjectSize: 4 << 20}
	plen := uint64(1024)
	m := CalcFileObjectMapping(fl, 100, &plen)

	if plen != 1024 {
		t.Errorf("plen shortened unexpectedly: %d", plen)
	}
	if m.ObjectOffset != 100 {
		t.Errorf("ObjectOffset = %d, want 100", m.ObjectOffset)
	}
}

func TestCalcFileObjectMappingSecondObject(t *testing.T) {
	fl := &FileLayout{ObjectSize: 4 << 20}
	plen := uint64(10)
	m := CalcFileObjectMapping(fl, 4<<20+5, &plen)

	if m.ObjectNo != 1 {
		t.Errorf("ObjectNo = %d, want 1", m.ObjectNo)
	}
	if m.ObjectOffset != 5 {
		t.Errorf("ObjectOffset = %d, want 5", m.ObjectOffset)
	}
}

func TestFormatOID(t *testing.T) {
	got := FormatOID(0x1, 0x1)
	want := "1.00000001"
	if got != want {
		t.Errorf("FormatOID = %q, want %q", got, want)
	}
}
