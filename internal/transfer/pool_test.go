package transfer

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPoolLeastPicksFewestUsers(t *testing.T) {
	var ts []*ParallelTransferrer
	for i, users := range []int{3, 1, 2} {
		tr := newTestTransferrer(newFakeSession(int64(i+1), synthetic(30)), 10, 4)
		for j := 0; j < users; j++ {
			tr.enter()
		}
		ts = append(ts, tr)
	}
	p := NewPool(ts...)

	least := p.Least()
	if least.AccountID() != 2 {
		t.Fatalf("expected account 2, got %d", least.AccountID())
	}

	s, err := least.Download(context.Background(), testLoc, 4, 30, 0, 29)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !s.Next() {
		t.Fatalf("expected first chunk, err=%v", s.Err())
	}

	users := func() []int64 {
		var out []int64
		for _, tr := range p.All() {
			out = append(out, tr.Users())
		}
		return out
	}
	if diff := cmp.Diff([]int64{3, 2, 2}, users()); diff != "" {
		t.Errorf("users mismatch during download (-want +got):\n%s", diff)
	}

	for s.Next() {
	}
	if diff := cmp.Diff([]int64{3, 1, 2}, users()); diff != "" {
		t.Errorf("users mismatch after download (-want +got):\n%s", diff)
	}
}

func TestPoolLeastTieGoesToFirst(t *testing.T) {
	a := newTestTransferrer(newFakeSession(10, nil), 10, 4)
	b := newTestTransferrer(newFakeSession(20, nil), 10, 4)
	p := NewPool(a, b)

	if got := p.Least(); got != a {
		t.Errorf("expected first transferrer on tie, got account %d", got.AccountID())
	}
}

func TestPoolLookup(t *testing.T) {
	p := NewPool()
	if p.Least() != nil {
		t.Error("expected nil from empty pool")
	}

	a := newTestTransferrer(newFakeSession(10, nil), 10, 4)
	b := newTestTransferrer(newFakeSession(20, nil), 10, 4)
	p.Add(a)
	p.Add(b)

	if p.Len() != 2 {
		t.Errorf("expected 2 members, got %d", p.Len())
	}
	if p.Get(20) != b {
		t.Error("expected Get(20) to return the second transferrer")
	}
	if p.Get(30) != nil {
		t.Error("expected nil for unknown account")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
