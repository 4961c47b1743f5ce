package ring

import (
	"testing"

	"pgregory.net/rapid"
)

func TestPushEvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	got := b.Items()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("items: got %v want %v", got, want)
		}
	}
	if last, ok := b.Last(); !ok || last != 5 {
		t.Fatalf("last: got %d %v", last, ok)
	}
}

func TestTailAndClear(t *testing.T) {
	b := New[string](4)
	if _, ok := b.Last(); ok {
		t.Fatalf("expected empty buffer")
	}
	for _, s := range []string{"a", "b", "c"} {
		b.Push(s)
	}
	tail := b.Tail(2)
	if len(tail) != 2 || tail[0] != "b" || tail[1] != "c" {
		t.Fatalf("tail: %v", tail)
	}
	if all := b.Tail(10); len(all) != 3 {
		t.Fatalf("tail overflow: %v", all)
	}
	b.Clear()
	if b.Len() != 0 || len(b.Items()) != 0 {
		t.Fatalf("expected cleared buffer")
	}
}

func TestFilter(t *testing.T) {
	b := New[int](10)
	for i := 0; i < 10; i++ {
		b.Push(i)
	}
	even := b.Filter(func(v int) bool { return v%2 == 0 })
	if len(even) != 5 || even[0] != 0 || even[4] != 8 {
		t.Fatalf("filter: %v", even)
	}
}

func TestPropertyKeepsLastCapacityItemsInOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(rt, "capacity")
		extra := rapid.IntRange(0, 200).Draw(rt, "extra")
		b := New[int](capacity)
		total := capacity + extra
		for i := 0; i < total; i++ {
			b.Push(i)
		}
		got := b.Items()
		if len(got) != capacity {
			rt.Fatalf("len %d, want %d", len(got), capacity)
		}
		for i, v := range got {
			if want := total - capacity + i; v != want {
				rt.Fatalf("index %d: got %d want %d", i, v, want)
			}
		}
	})
}
