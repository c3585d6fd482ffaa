package pages

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	v := New(100)
	data := bytes.Repeat([]byte{0xAB}, 100)
	if _, err := v.WriteAt(0, data); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, 100)
	if _, err := v.ReadAt(0, out); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("round trip mismatch")
	}
}

func TestWriteReadAcrossPageBoundary(t *testing.T) {
	v := New(Size + 100)
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	off := Size - 100
	if _, err := v.WriteAt(off, data); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	out := make([]byte, 200)
	if _, err := v.ReadAt(off, out); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("cross-page round trip mismatch")
	}
}

func TestRevokeRejectsFurtherAccess(t *testing.T) {
	v := New(10)
	v.Revoke()
	if _, err := v.WriteAt(0, []byte{1}); err != ErrRevoked {
		t.Errorf("WriteAt after Revoke = %v, want ErrRevoked", err)
	}
	if _, err := v.ReadAt(0, make([]byte, 1)); err != ErrRevoked {
		t.Errorf("ReadAt after Revoke = %v, want ErrRevoked", err)
	}
}
