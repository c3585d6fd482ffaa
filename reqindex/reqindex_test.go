package reqindex

import (
	"math/rand"
	"testing"

	"github.com/congxueyang/osdc/request"
)

func TestInsertLookup(t *testing.T) {
	var idx Index
	r1 := request.New()
	r2 := request.New()
	idx.Insert(1, r1)
	idx.Insert(2, r2)

	if got := idx.Lookup(1); got != r1 {
		t.Errorf("Lookup(1) = %v, want %v", got, r1)
	}
	if got := idx.Lookup(2); got != r2 {
		t.Errorf("Lookup(2) = %v, want %v", got, r2)
	}
	if got := idx.Lookup(3); got != nil {
		t.Errorf("Lookup(3) = %v, want nil", got)
	}
	if idx.Len() != 2 {
		t.Errorf("Len() = %d, want 2", idx.Len())
	}
}

func TestFirstAndLowestGE(t *testing.T) {
	var idx Index
	for _, tid := range []uint64{5, 1, 9, 3, 7} {
		idx.Insert(tid, request.New())
	}

	first := idx.First()
	if first == nil {
		t.Fatal("First() returned nil")
	}

	var firstTid uint64
	idx.Walk(func(tid uint64, r *request.Request) bool {
		firstTid = tid
		return false
	})
	if firstTid != 1 {
		t.Errorf("smallest tid via Walk = %d, want 1", firstTid)
	}

	ge4 := idx.LowestGE(4)
	var ge4Tid uint64
	idx.Walk(func(tid uint64, r *request.Request) bool {
		if r == ge4 {
			ge4Tid = tid
			return false
		}
		return true
	})
	if ge4Tid != 5 {
		t.Errorf("LowestGE(4) resolved to tid %d, want 5", ge4Tid)
	}

	if got := idx.LowestGE(100); got != nil {
		t.Errorf("LowestGE(100) = %v, want nil", got)
	}
}

func TestRemove(t *testing.T) {
	var idx Index
	for _, tid := range []uint64{1, 2, 3, 4, 5} {
		idx.Insert(tid, request.New())
	}
	idx.Remove(3)
	if idx.Lookup(3) != nil {
		t.Error("tid 3 still present after Remove")
	}
	if idx.Len() != 4 {
		t.Errorf("Len() = %d, want 4", idx.Len())
	}

	var seen []uint64
	idx.Walk(func(tid uint64, r *request.Request) bool {
		seen = append(seen, tid)
		return true
	})
	want := []uint64{1, 2, 4, 5}
	if len(seen) != len(want) {
		t.Fatalf("Walk order = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Walk order = %v, want %v", seen, want)
		}
	}
}

func TestInsertPanicsOnDuplicateTid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Insert with a colliding tid should panic")
		}
	}()
	var idx Index
	idx.Insert(1, request.New())
	idx.Insert(1, request.New())
}

func TestWalkOrderedUnderRandomInsertion(t *testing.T) {
	var idx Index
	r := rand.New(rand.NewSource(1))
	tids := r.Perm(200)
	for _, tid := range tids {
		idx.Insert(uint64(tid), request.New())
	}

	var last uint64
	first := true
	idx.Walk(func(tid uint64, _ *request.Request) bool {
		if !first && tid <= last {
			t.Fatalf("Walk not in ascending order: %d after %d", tid, last)
		}
		last = tid
		first = false
		return true
	})
}
