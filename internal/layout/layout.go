// Package layout maps file-level byte extents onto object-level byte
// extents. It is the client-side half of what the original design calls
// the file-layout mapper: given a file's striping parameters and a
// requested [off, off+len) range, it names the object that extent falls
// in and shortens the range if it crosses an object boundary.
package layout

import "fmt"

// FileLayout describes how a file's bytes are striped across objects.
// StripeUnit and ObjectSize are almost always equal for the simple,
// non-striped layouts this client deals with; StripeCount is kept for
// parity with the richer layouts a full striping scheme would need.
type FileLayout struct {
	StripeUnit  uint64
	StripeCount uint32
	ObjectSize  uint64
}

// Vino names an inode within a particular snapshot.
type Vino struct {
	Ino  uint64
	Snap uint64
}

// NoSnap marks a vino that addresses the live (non-snapshotted) object.
const NoSnap uint64 = ^uint64(0)

// Mapping is the result of mapping a file extent onto one object.
type Mapping struct {
	ObjectNo     uint64
	ObjectOffset uint64
	ObjectLength uint64
}

// CalcFileObjectMapping computes which object the extent [off, off+*plen)
// starts in, and the offset/length of that extent within the object.
// If the extent crosses an object boundary, *plen is shortened to end at
// the boundary; the caller is expected to issue further calls (or
// further requests) for the remainder.
func CalcFileObjectMapping(fl *FileLayout, off uint64, plen *uint64) Mapping {
	objectNo := off / fl.ObjectSize
	objectOff := off % fl.ObjectSize
	remaining := fl.ObjectSize - objectOff
	length := *plen
	if length > remaining {
		length = remaining
	}
	*plen = length
	return Mapping{ObjectNo: objectNo, ObjectOffset: objectOff, ObjectLength: length}
}

// FormatOID renders the object name for a given inode and block number,
// matching the literal "%llx.%08llx" the on-disk/wire format requires.
func FormatOID(ino, blockNo uint64) string {
	return fmt.Sprintf("%x.%08x", ino, blockNo)
}
