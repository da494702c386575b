package util

import "testing"

func TestRingBufferKeepsInsertionOrder(t *testing.T) {
	r := NewRingBuffer[int](4)
	for i := 1; i <= 3; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("snapshot = %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
}

func TestRingBufferDrainEmpties(t *testing.T) {
	r := NewRingBuffer[string](4)
	r.Push("a")
	r.Push("b")

	got := r.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("drained = %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("len after drain = %d", r.Len())
	}

	// The buffer is reusable after a drain.
	r.Push("c")
	if got := r.Snapshot(); len(got) != 1 || got[0] != "c" {
		t.Fatalf("snapshot after reuse = %v", got)
	}
}
