// Package wire defines the on-the-wire layout of the messages the OSD
// client exchanges with storage daemons, and packs/unpacks them.
//
// The header and op layouts below mirror the C structures in the
// distributed-filesystem client's kernel protocol: fixed-width,
// little-endian, no padding, with variable-length trailers (object
// name, ticket, snapshot list) appended after a fixed number of op
// records.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
)

var opts = struc.Options{Order: binary.LittleEndian}

// Opcodes for the op array embedded in an OSD_OP request.
const (
	OpRead      uint16 = 1
	OpWrite     uint16 = 2
	OpStartSync uint16 = 3
	OpMaskTrunc uint16 = 4
	OpSetTrunc  uint16 = 5
)

// Request flag bits, carried in the OSD_OP header and echoed back in
// OSD_OPREPLY.
const (
	FlagRead    uint32 = 1 << 0
	FlagWrite   uint32 = 1 << 1
	FlagOnDisk  uint32 = 1 << 2
	FlagRetry   uint32 = 1 << 3
	FlagAck     uint32 = 1 << 4
)

// ReassertVersion is the opaque, server-echoed token that makes a write
// idempotent at the daemon across retries.
type ReassertVersion struct {
	Epoch   uint64 `struc:"little"`
	Version uint64 `struc:"little"`
}

// Timespec mirrors the wire timestamp layout of an outbound write's mtime.
type Timespec struct {
	Sec  uint64 `struc:"little"`
	Nsec uint64 `struc:"little"`
}

// PGRouting is the layout blob a request carries so the daemon can
// double check the client computed the same placement group.
type PGRouting struct {
	Pool       uint64 `struc:"little"`
	PGID       uint64 `struc:"little"`
	ObjectSize uint32 `struc:"little"`
}

// RequestHeader is the fixed portion of an OSD_OP message.
type RequestHeader struct {
	ClientInc    uint32          `struc:"little"`
	Tid          uint64          `struc:"little"`
	Layout       PGRouting       `struc:"little"`
	SnapID       uint64          `struc:"little"`
	SnapSeq      uint64          `struc:"little"`
	NumSnaps     uint32          `struc:"little"`
	ObjectLen    uint32          `struc:"little"`
	TicketLen    uint32          `struc:"little"`
	OsdmapEpoch  uint32          `struc:"little"`
	Flags        uint32          `struc:"little"`
	Mtime        Timespec        `struc:"little"`
	Reassert     ReassertVersion `struc:"little"`
	NumOps       uint16          `struc:"little"`
}

// Op is one entry in the op array carried by both the request and the
// reply. Not every field is meaningful for every opcode: TruncateSeq/
// TruncateSize only apply to MASKTRUNC/SETTRUNC.
type Op struct {
	Op            uint16 `struc:"little"`
	Offset        uint64 `struc:"little"`
	Length        uint64 `struc:"little"`
	PayloadLen    uint32 `struc:"little"`
	TruncateSeq   uint32 `struc:"little"`
	TruncateSize  uint64 `struc:"little"`
}

// ReplyHeader is the fixed portion of an OSD_OPREPLY message.
type ReplyHeader struct {
	Tid       uint64          `struc:"little"`
	Flags     uint32          `struc:"little"`
	Result    int32           `struc:"little"`
	ObjectLen uint32          `struc:"little"`
	NumOps    uint32          `struc:"little"`
	Reassert  ReassertVersion `struc:"little"`
}

// Request is a fully composed outbound OSD_OP message: header, op
// array, the trailing oid/ticket/snapshot-list byte ranges, and
// finally the write payload itself. Data carries the bytes a write's
// primary op moves; its length must equal the sum of PayloadLen across
// Ops, the same convention the original client uses to size
// req->r_request->pages off req->r_num_pages rather than a length
// field of its own (original_source/src/kernel/osd_client.c:908-909).
type Request struct {
	Header RequestHeader
	Ops    []Op
	OID    string
	Ticket []byte
	Snaps  []uint64
	Data   []byte
}

// Reply is a fully decoded inbound OSD_OPREPLY message. Data carries
// the bytes a read's primary op returned, sized the same way as
// Request.Data: the sum of PayloadLen across Ops.
type Reply struct {
	Header ReplyHeader
	Ops    []Op
	OID    string
	Data   []byte
}

// sumPayload adds up PayloadLen across ops: the trailing data segment's
// length, whichever direction it travels.
func sumPayload(ops []Op) int {
	var n int
	for _, op := range ops {
		n += int(op.PayloadLen)
	}
	return n
}

// HeaderSize returns sizeof(RequestHeader) the way the original client's
// msg_size computation does, for callers that need to size a buffer
// before Encode fills it in.
func HeaderSize() int {
	n, _ := struc.Sizeof(&RequestHeader{})
	return n
}

// OpSize returns sizeof(Op).
func OpSize() int {
	n, _ := struc.Sizeof(&Op{})
	return n
}

// Encode packs a Request into its wire form: header, then num_ops op
// records, then oid bytes, then ticket bytes, then num_snaps*8 bytes of
// snapshot ids, then the write payload named by the ops' PayloadLen. It
// asserts (returns an error) rather than silently overflowing or
// truncating if the caller under-declared NumOps/NumSnaps/ObjectLen or
// mis-sized Data against the ops' PayloadLen sum.
func Encode(r *Request) ([]byte, error) {
	if int(r.Header.NumOps) != len(r.Ops) {
		return nil, fmt.Errorf("wire: header.NumOps %d != len(ops) %d", r.Header.NumOps, len(r.Ops))
	}
	if int(r.Header.NumSnaps) != len(r.Snaps) {
		return nil, fmt.Errorf("wire: header.NumSnaps %d != len(snaps) %d", r.Header.NumSnaps, len(r.Snaps))
	}
	if int(r.Header.ObjectLen) != len(r.OID) {
		return nil, fmt.Errorf("wire: header.ObjectLen %d != len(oid) %q", r.Header.ObjectLen, r.OID)
	}
	if int(r.Header.TicketLen) != len(r.Ticket) {
		return nil, fmt.Errorf("wire: header.TicketLen %d != len(ticket)", r.Header.TicketLen)
	}
	if want := sumPayload(r.Ops); len(r.Data) != want {
		return nil, fmt.Errorf("wire: len(data) %d != sum(ops.PayloadLen) %d", len(r.Data), want)
	}

	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &r.Header, &opts); err != nil {
		return nil, fmt.Errorf("wire: pack header: %w", err)
	}
	for i := range r.Ops {
		if err := struc.PackWithOptions(&buf, &r.Ops[i], &opts); err != nil {
			return nil, fmt.Errorf("wire: pack op %d: %w", i, err)
		}
	}
	buf.WriteString(r.OID)
	buf.Write(r.Ticket)
	for _, s := range r.Snaps {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], s)
		buf.Write(tmp[:])
	}
	buf.Write(r.Data)
	return buf.Bytes(), nil
}

// Decode parses a raw OSD_OP message body back into a Request. It is
// used mainly by tests that assert the build->encode->decode round trip
// spec.md requires (§8): every field written by the request builder
// must survive encode+decode unchanged.
func Decode(b []byte) (*Request, error) {
	r := bytes.NewReader(b)
	var hdr RequestHeader
	if err := struc.UnpackWithOptions(r, &hdr, &opts); err != nil {
		return nil, fmt.Errorf("wire: unpack header: %w", err)
	}
	ops := make([]Op, hdr.NumOps)
	for i := range ops {
		if err := struc.UnpackWithOptions(r, &ops[i], &opts); err != nil {
			return nil, fmt.Errorf("wire: unpack op %d: %w", i, err)
		}
	}
	oid := make([]byte, hdr.ObjectLen)
	if _, err := readFull(r, oid); err != nil {
		return nil, fmt.Errorf("wire: read oid: %w", err)
	}
	ticket := make([]byte, hdr.TicketLen)
	if _, err := readFull(r, ticket); err != nil {
		return nil, fmt.Errorf("wire: read ticket: %w", err)
	}
	snaps := make([]uint64, hdr.NumSnaps)
	for i := range snaps {
		var tmp [8]byte
		if _, err := readFull(r, tmp[:]); err != nil {
			return nil, fmt.Errorf("wire: read snap %d: %w", i, err)
		}
		snaps[i] = binary.LittleEndian.Uint64(tmp[:])
	}
	data, err := readTrailer(r, sumPayload(ops))
	if err != nil {
		return nil, fmt.Errorf("wire: read data: %w", err)
	}
	return &Request{Header: hdr, Ops: ops, OID: string(oid), Ticket: ticket, Snaps: snaps, Data: data}, nil
}

// readTrailer reads exactly n bytes off r, returning nil (not an empty
// slice) for n == 0 so a decoded message with no payload compares equal
// to one whose Data field was simply never set.
func readTrailer(r *bytes.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeReply packs a Reply into its wire form: header, ops, then
// object_len bytes of oid, then the read payload named by the ops'
// PayloadLen.
func EncodeReply(rep *Reply) ([]byte, error) {
	if int(rep.Header.NumOps) != len(rep.Ops) {
		return nil, fmt.Errorf("wire: reply header.NumOps %d != len(ops) %d", rep.Header.NumOps, len(rep.Ops))
	}
	if int(rep.Header.ObjectLen) != len(rep.OID) {
		return nil, fmt.Errorf("wire: reply header.ObjectLen %d != len(oid)", rep.Header.ObjectLen)
	}
	if want := sumPayload(rep.Ops); len(rep.Data) != want {
		return nil, fmt.Errorf("wire: len(reply data) %d != sum(ops.PayloadLen) %d", len(rep.Data), want)
	}
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &rep.Header, &opts); err != nil {
		return nil, fmt.Errorf("wire: pack reply header: %w", err)
	}
	for i := range rep.Ops {
		if err := struc.PackWithOptions(&buf, &rep.Ops[i], &opts); err != nil {
			return nil, fmt.Errorf("wire: pack reply op %d: %w", i, err)
		}
	}
	buf.WriteString(rep.OID)
	buf.Write(rep.Data)
	return buf.Bytes(), nil
}

// DecodeReply validates front-length against the header (per spec §4.6
// step 1: front length must equal sizeof(header) + object_len +
// num_ops*sizeof(op)) before parsing the ops, then reads the trailing
// data segment whose length the parsed ops name (it cannot be checked
// up front: PayloadLen lives inside the op records themselves).
func DecodeReply(b []byte) (*Reply, error) {
	hdrSize, _ := struc.Sizeof(&ReplyHeader{})
	if len(b) < hdrSize {
		return nil, fmt.Errorf("wire: reply too short: %d < %d", len(b), hdrSize)
	}
	r := bytes.NewReader(b)
	var hdr ReplyHeader
	if err := struc.UnpackWithOptions(r, &hdr, &opts); err != nil {
		return nil, fmt.Errorf("wire: unpack reply header: %w", err)
	}
	opSize, _ := struc.Sizeof(&Op{})
	front := hdrSize + int(hdr.ObjectLen) + int(hdr.NumOps)*opSize
	if len(b) < front {
		return nil, fmt.Errorf("wire: corrupt reply: got %d bytes, want at least %d (header %d + object %d + %d ops * %d)",
			len(b), front, hdrSize, hdr.ObjectLen, hdr.NumOps, opSize)
	}
	ops := make([]Op, hdr.NumOps)
	for i := range ops {
		if err := struc.UnpackWithOptions(r, &ops[i], &opts); err != nil {
			return nil, fmt.Errorf("wire: unpack reply op %d: %w", i, err)
		}
	}
	oid := make([]byte, hdr.ObjectLen)
	if _, err := readFull(r, oid); err != nil {
		return nil, fmt.Errorf("wire: read reply oid: %w", err)
	}
	want := front + sumPayload(ops)
	if len(b) != want {
		return nil, fmt.Errorf("wire: corrupt reply: got %d bytes, want %d (front %d + data %d)",
			len(b), want, front, sumPayload(ops))
	}
	data, err := readTrailer(r, sumPayload(ops))
	if err != nil {
		return nil, fmt.Errorf("wire: read reply data: %w", err)
	}
	return &Reply{Header: hdr, Ops: ops, OID: string(oid), Data: data}, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := r.Read(buf)
	if n != len(buf) && err == nil {
		err = fmt.Errorf("short read: %d < %d", n, len(buf))
	}
	return n, err
}
