package util

import (
	"reflect"
	"testing"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 3; i++ {
		if _, evicted := r.Push(i); evicted {
			t.Fatalf("push %d evicted before full", i)
		}
	}
	old, evicted := r.Push(4)
	if !evicted || old != 1 {
		t.Fatalf("expected eviction of 1, got %d (evicted=%v)", old, evicted)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{2, 3, 4}) {
		t.Fatalf("snapshot = %v", got)
	}
	if r.Len() != 3 || r.Cap() != 3 {
		t.Fatalf("len/cap = %d/%d", r.Len(), r.Cap())
	}
}

func TestRingBufferFindReplaceRemove(t *testing.T) {
	r := NewRingBuffer[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}

	if _, ok := r.Find(func(s string) bool { return s == "a" }); ok {
		t.Fatal("a should have been evicted")
	}
	if v, ok := r.Find(func(s string) bool { return s >= "c" }); !ok || v != "e" {
		t.Fatalf("find newest >= c: %q %v", v, ok)
	}

	if !r.Replace(func(s string) bool { return s == "c" }, "C") {
		t.Fatal("replace c failed")
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []string{"b", "C", "d", "e"}) {
		t.Fatalf("after replace: %v", got)
	}

	if n := r.RemoveIf(func(s string) bool { return s == "b" || s == "d" }); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []string{"C", "e"}) {
		t.Fatalf("after remove: %v", got)
	}

	r.Push("f")
	r.Push("g")
	r.Push("h")
	if got := r.Snapshot(); !reflect.DeepEqual(got, []string{"e", "f", "g", "h"}) {
		t.Fatalf("after refill: %v", got)
	}
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[int](0)
	r.Push(1)
	r.Push(2)
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("snapshot = %v", got)
	}
}
