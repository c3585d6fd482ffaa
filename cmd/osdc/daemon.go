package main

import (
	"net"

	"github.com/congxueyang/osdc/internal/telemetry"
	"github.com/congxueyang/osdc/internal/transport"
	"github.com/congxueyang/osdc/internal/wire"
)

// daemon is a minimal reference storage daemon: it accepts connections,
// decodes OSD_OP requests, applies them against an objectStore, and
// replies OSD_OPREPLY with the ACK+ONDISK flags set. It exists to give
// cmd/osdc something real to talk to in local development and in
// integration tests; it is not the distributed daemon the client is
// designed to talk to in production (that lives outside this module's
// scope, per spec.md §1).
type daemon struct {
	ln    *transport.Listener
	store *objectStore
	log   telemetry.Logger
}

func newDaemon(addr, dataDir string, log telemetry.Logger) (*daemon, error) {
	ln, err := transport.Listen(addr)
	if err != nil {
		return nil, err
	}
	return &daemon{
		ln:    ln,
		store: newObjectStore(dataDir, log),
		log:   telemetry.Component(log, "daemon"),
	}, nil
}

func (d *daemon) Addr() string { return d.ln.Addr() }

func (d *daemon) Serve() error {
	for {
		nc, err := d.ln.Accept()
		if err != nil {
			return err
		}
		go d.handleConn(nc)
	}
}

func (d *daemon) Close() error {
	return d.ln.Close()
}

func (d *daemon) handleConn(nc net.Conn) {
	defer nc.Close()
	for {
		req, err := transport.ReadRequest(nc)
		if err != nil {
			return
		}
		rep := d.apply(req)
		if err := transport.WriteReply(nc, rep); err != nil {
			return
		}
	}
}

// apply applies req against the object store and builds its reply. Per
// spec §3/§4.6, Result on success carries the byte count for a read (or
// the bytes accepted for a write) and a negative errno on failure. A
// write's payload arrives in req.Data, sliced per op by that op's
// PayloadLen (the same convention wire.Encode/Decode use to size the
// segment); a read's result bytes are returned the same way in
// rep.Data, with each op's PayloadLen in the reply updated to the
// actual byte count returned.
func (d *daemon) apply(req *wire.Request) *wire.Reply {
	result := int32(0)
	replyOps := make([]wire.Op, len(req.Ops))
	copy(replyOps, req.Ops)
	var replyData []byte
	var dataOff int

	for i, op := range req.Ops {
		switch op.Op {
		case wire.OpRead:
			data, err := d.store.ReadAt(req.OID, op.Offset, op.Length)
			if err != nil {
				result = -1
				continue
			}
			replyOps[i].Length = uint64(len(data))
			replyOps[i].PayloadLen = uint32(len(data))
			replyData = append(replyData, data...)
			result = int32(len(data))
		case wire.OpWrite:
			payload := req.Data[dataOff : dataOff+int(op.PayloadLen)]
			dataOff += int(op.PayloadLen)
			// The reply carries no data back for a write.
			replyOps[i].PayloadLen = 0
			if err := d.store.WriteAt(req.OID, op.Offset, payload); err != nil {
				result = -1
			} else {
				result = int32(len(payload))
			}
		case wire.OpStartSync:
		case wire.OpMaskTrunc, wire.OpSetTrunc:
		}
	}

	flags := req.Header.Flags | wire.FlagAck | wire.FlagOnDisk
	return &wire.Reply{
		Header: wire.ReplyHeader{
			Tid:       req.Header.Tid,
			Flags:     flags,
			Result:    result,
			ObjectLen: 0,
			NumOps:    uint32(len(replyOps)),
			Reassert:  req.Header.Reassert,
		},
		Ops:  replyOps,
		OID:  "",
		Data: replyData,
	}
}
