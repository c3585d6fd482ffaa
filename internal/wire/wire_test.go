package wire

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := &Request{
		Header: RequestHeader{
			ClientInc:   7,
			Tid:         42,
			Layout:      PGRouting{Pool: 1, PGID: 99, ObjectSize: 4 << 20},
			SnapID:      0,
			SnapSeq:     3,
			NumSnaps:    2,
			ObjectLen:   uint32(len("1.00000001")),
			TicketLen:   uint32(len("ticket")),
			OsdmapEpoch: 5,
			Flags:       FlagWrite,
			Mtime:       Timespec{Sec: 1000, Nsec: 500},
			Reassert:    ReassertVersion{Epoch: 5, Version: 1},
			NumOps:      1,
		},
		Ops: []Op{
			{Op: OpWrite, Offset: 0, Length: 4096, PayloadLen: 4096},
		},
		OID:    "1.00000001",
		Ticket: []byte("ticket"),
		Snaps:  []uint64{10, 20},
		Data:   make([]byte, 4096),
	}
	for i := range req.Data {
		req.Data[i] = byte(i)
	}

	b, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !reflect.DeepEqual(got.Header, req.Header) {
		t.Errorf("header mismatch:\ngot  %+v\nwant %+v", got.Header, req.Header)
	}
	if !reflect.DeepEqual(got.Ops, req.Ops) {
		t.Errorf("ops mismatch: got %+v want %+v", got.Ops, req.Ops)
	}
	if got.OID != req.OID {
		t.Errorf("oid mismatch: got %q want %q", got.OID, req.OID)
	}
	if !reflect.DeepEqual(got.Ticket, req.Ticket) {
		t.Errorf("ticket mismatch: got %v want %v", got.Ticket, req.Ticket)
	}
	if !reflect.DeepEqual(got.Snaps, req.Snaps) {
		t.Errorf("snaps mismatch: got %v want %v", got.Snaps, req.Snaps)
	}
	if !reflect.DeepEqual(got.Data, req.Data) {
		t.Errorf("data mismatch: got %v want %v", got.Data, req.Data)
	}
}

func TestEncodeRejectsMissizedData(t *testing.T) {
	req := &Request{
		Header: RequestHeader{NumOps: 1},
		Ops:    []Op{{Op: OpWrite, PayloadLen: 10}},
		Data:   []byte("short"),
	}
	if _, err := Encode(req); err == nil {
		t.Fatal("expected error for Data shorter than sum(PayloadLen)")
	}
}

func TestEncodeRejectsInconsistentLengths(t *testing.T) {
	req := &Request{
		Header: RequestHeader{NumOps: 2},
		Ops:    []Op{{Op: OpRead}},
	}
	if _, err := Encode(req); err == nil {
		t.Fatal("expected error for NumOps/len(Ops) mismatch")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	rep := &Reply{
		Header: ReplyHeader{
			Tid:       42,
			Flags:     FlagAck | FlagOnDisk,
			Result:    0,
			ObjectLen: uint32(len("1.00000001")),
			NumOps:    1,
			Reassert:  ReassertVersion{Epoch: 5, Version: 2},
		},
		Ops: []Op{{Op: OpWrite, Offset: 0, Length: 4096}},
		OID: "1.00000001",
	}

	b, err := EncodeReply(rep)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	got, err := DecodeReply(b)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if !reflect.DeepEqual(got, rep) {
		t.Errorf("reply mismatch:\ngot  %+v\nwant %+v", got, rep)
	}
}

func TestReplyRoundTripWithPayload(t *testing.T) {
	payload := []byte("hello object store")
	rep := &Reply{
		Header: ReplyHeader{
			Tid:       7,
			Flags:     FlagAck | FlagOnDisk,
			ObjectLen: uint32(len("1.00000002")),
			NumOps:    1,
		},
		Ops:  []Op{{Op: OpRead, Offset: 0, Length: uint64(len(payload)), PayloadLen: uint32(len(payload))}},
		OID:  "1.00000002",
		Data: payload,
	}

	b, err := EncodeReply(rep)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	got, err := DecodeReply(b)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if !reflect.DeepEqual(got, rep) {
		t.Errorf("reply mismatch:\ngot  %+v\nwant %+v", got, rep)
	}
}

func TestDecodeReplyRejectsCorruptLength(t *testing.T) {
	rep := &Reply{
		Header: ReplyHeader{Tid: 1, NumOps: 1},
		Ops:    []Op{{Op: OpRead}},
	}
	b, err := EncodeReply(rep)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	if _, err := DecodeReply(b[:len(b)-1]); err == nil {
		t.Fatal("expected error decoding truncated reply")
	}
}
