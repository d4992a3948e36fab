package mempool

import "testing"

func TestFIFOOrderPreserved(t *testing.T) {
	f := NewFIFO()
	f.Submit([]byte("a"))
	f.Submit([]byte("b"))
	f.Submit([]byte("c"))

	batch := f.NextBatch(2)
	if len(batch) != 2 || string(batch[0]) != "a" || string(batch[1]) != "b" {
		t.Fatalf("unexpected batch: %v", batch)
	}
	if f.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", f.Len())
	}

	rest := f.NextBatch(10)
	if len(rest) != 1 || string(rest[0]) != "c" {
		t.Fatalf("unexpected remainder: %v", rest)
	}
}

func TestFIFOEmptyReturnsNil(t *testing.T) {
	f := NewFIFO()
	if got := f.NextBatch(5); got != nil {
		t.Fatalf("expected nil from empty mempool, got %v", got)
	}
}

func TestFIFONonPositiveMax(t *testing.T) {
	f := NewFIFO()
	f.Submit([]byte("a"))
	if got := f.NextBatch(0); got != nil {
		t.Fatalf("expected nil for max=0, got %v", got)
	}
	if f.Len() != 1 {
		t.Fatalf("max=0 must not dequeue, got len %d", f.Len())
	}
}
