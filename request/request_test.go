package request

import (
	"testing"

	"github.com/congxueyang/osdc/internal/wire"
)

func TestComposeOpsReadPrimaryOnly(t *testing.T) {
	r := New()
	r.Flags = wire.FlagRead
	r.FileOffset = 0
	r.ReqLength = 4096

	ops := r.ComposeOps(0, 4096)
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1 (no trunc/sync requested)", len(ops))
	}
	if ops[0].Op != wire.OpRead || ops[0].Offset != 0 || ops[0].Length != 4096 {
		t.Errorf("primary op = %+v, want OpRead at [0,4096)", ops[0])
	}
}

// TestComposeOpsTruncateBias matches spec's worked example: truncate_seq=7,
// truncate_size=1MiB, a write starting at file offset 2MiB against a 4MiB
// object falls entirely within the object at object-relative offset 2MiB,
// so the bias (fileOffset - objOff) is 0 and truncate_size passes through
// unchanged.
func TestComposeOpsTruncateBias(t *testing.T) {
	const mib = uint64(1 << 20)
	r := New()
	r.Flags = wire.FlagWrite
	r.FileOffset = 2 * mib
	r.ReqLength = mib
	r.TruncSeq = 7
	r.TruncSize = mib

	ops := r.ComposeOps(2*mib, mib)
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2 (primary + SETTRUNC)", len(ops))
	}
	if ops[1].Op != wire.OpSetTrunc {
		t.Fatalf("ops[1].Op = %v, want OpSetTrunc", ops[1].Op)
	}
	if ops[1].TruncateSeq != 7 {
		t.Errorf("TruncateSeq = %d, want 7", ops[1].TruncateSeq)
	}
	if ops[1].TruncateSize != mib {
		t.Errorf("TruncateSize = %d, want %d (bias 0, unchanged)", ops[1].TruncateSize, mib)
	}
}

// TestComposeOpsTruncateBiasedAcrossBoundary covers a request whose object
// starts short of the file offset it was addressed at (the object mapping
// shortened a multi-object extent down to this object's slice): the
// truncate boundary must be re-expressed object-relative, biased by how
// far into the file this object's slice begins.
func TestComposeOpsTruncateBiasedAcrossBoundary(t *testing.T) {
	r := New()
	r.Flags = wire.FlagWrite
	r.FileOffset = 100
	r.ReqLength = 50
	r.TruncSeq = 3
	r.TruncSize = 120

	// This object's slice begins at object offset 90, so the object
	// itself starts at file offset 10 (bias 10).
	ops := r.ComposeOps(90, 50)
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}
	if ops[1].TruncateSize != 110 {
		t.Errorf("TruncateSize = %d, want 110 (120 - bias 10)", ops[1].TruncateSize)
	}
}

func TestComposeOpsNoTruncWhenBelowTruncateSize(t *testing.T) {
	r := New()
	r.Flags = wire.FlagRead
	r.FileOffset = 0
	r.ReqLength = 10
	r.TruncSeq = 1
	r.TruncSize = 1000

	ops := r.ComposeOps(0, 10)
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1 (extent stays below truncate_size)", len(ops))
	}
}

func TestComposeOpsAppendsSync(t *testing.T) {
	r := New()
	r.Flags = wire.FlagWrite
	r.FileOffset = 0
	r.ReqLength = 10
	r.DoSync = true

	ops := r.ComposeOps(0, 10)
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2 (primary + STARTSYNC)", len(ops))
	}
	if ops[1].Op != wire.OpStartSync {
		t.Errorf("ops[1].Op = %v, want OpStartSync", ops[1].Op)
	}
}

func TestStatusBits(t *testing.T) {
	r := New()
	if !r.HasStatus(StatusNew) {
		t.Fatal("new request should start in StatusNew")
	}
	r.SetStatus(StatusInFlight)
	if r.HasStatus(StatusNew) {
		t.Error("status should no longer include StatusNew")
	}
	if !r.HasStatus(StatusInFlight) {
		t.Error("status should include StatusInFlight")
	}
}

func TestRouting(t *testing.T) {
	r := New()
	if r.RoutedOrdinal() != NoOrdinal {
		t.Errorf("fresh request RoutedOrdinal() = %d, want NoOrdinal", r.RoutedOrdinal())
	}
	r.RouteTo(3, "10.0.0.1:6800")
	if r.RoutedOrdinal() != 3 {
		t.Errorf("RoutedOrdinal() = %d, want 3", r.RoutedOrdinal())
	}
	if r.RoutedAddr() != "10.0.0.1:6800" {
		t.Errorf("RoutedAddr() = %q", r.RoutedAddr())
	}
}

func TestCompleteIsIdempotentAndWakesWaiters(t *testing.T) {
	r := New()
	done := r.Done()
	r.Complete(0)
	select {
	case <-done:
	default:
		t.Fatal("Done() channel not closed after Complete")
	}
	r.Complete(99) // must not panic
	if r.Result != 0 {
		t.Errorf("Result = %d, want 0 (first Complete call wins)", r.Result)
	}
}

func TestRefcounting(t *testing.T) {
	r := New()
	r.Get()
	if r.Put() {
		t.Error("Put() after one Get() should not report last reference")
	}
	if !r.Put() {
		t.Error("final Put() should report last reference")
	}
}

func TestPoolGetRelease(t *testing.T) {
	p := NewPool(2)
	r1 := p.Get()
	r2 := p.Get()
	if p.TryGet() != nil {
		t.Fatal("pool should be exhausted after two Gets from size 2")
	}

	r1.Tid = 42
	r1.SetStatus(StatusDone)
	p.Release(r1)

	got := p.TryGet()
	if got == nil {
		t.Fatal("expected a request back after Release")
	}
	if got.Tid != 0 {
		t.Errorf("released request not reset: Tid = %d", got.Tid)
	}
	if got.Status() != StatusNew {
		t.Errorf("released request not reset: Status = %v", got.Status())
	}

	_ = r2
}
