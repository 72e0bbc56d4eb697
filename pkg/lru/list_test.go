package lru

import (
	"errors"
	"fmt"
	"testing"
)

func TestRecencyList_AppendPopFront(t *testing.T) {
	t.Parallel()
	l := NewRecencyList[string](0)

	if _, err := l.PopFront(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("PopFront on empty list err = %v, want ErrEmpty", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		l.Append(k)
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := l.PopFront()
		if err != nil || got != want {
			t.Fatalf("PopFront = %q,%v want %q", got, err, want)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("Len after draining = %d", l.Len())
	}
}

func TestRecencyList_UnlinkAnywhere(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		unlink string
		want   string
	}{
		{"head", "a", "[b c]"},
		{"middle", "b", "[a c]"},
		{"tail", "c", "[a b]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewRecencyList[string](3)
			hs := map[string]Handle{}
			for _, k := range []string{"a", "b", "c"} {
				hs[k] = l.Append(k)
			}
			l.Unlink(hs[tc.unlink])
			if got := fmt.Sprint(l.Keys()); got != tc.want {
				t.Fatalf("Keys = %s, want %s", got, tc.want)
			}
			if l.Len() != 2 {
				t.Fatalf("Len = %d, want 2", l.Len())
			}
		})
	}
}

func TestRecencyList_MoveToBack(t *testing.T) {
	t.Parallel()
	l := NewRecencyList[int](0)
	a := l.Append(1)
	l.Append(2)
	c := l.Append(3)

	l.MoveToBack(a)
	l.MoveToBack(c) // already tail
	if got := fmt.Sprint(l.Keys()); got != "[2 1 3]" {
		t.Fatalf("Keys = %s, want [2 1 3]", got)
	}
	if k, _, ok := l.Front(); !ok || k != 2 {
		t.Fatalf("Front = %d,%v want 2,true", k, ok)
	}
}

func TestRecencyList_RecyclesSlots(t *testing.T) {
	t.Parallel()
	l := NewRecencyList[int](0)
	h := l.Append(1)
	l.Unlink(h)
	h2 := l.Append(2)
	if h2 != h {
		t.Fatalf("freed slot not reused: got handle %d, want %d", h2, h)
	}
	if len(l.slots) != 1 {
		t.Fatalf("arena grew to %d slots", len(l.slots))
	}
}

func TestRecencyList_DoubleUnlinkPanics(t *testing.T) {
	t.Parallel()
	l := NewRecencyList[int](0)
	h := l.Append(1)
	l.Unlink(h)

	defer func() {
		if recover() == nil {
			t.Fatal("second Unlink of the same handle must panic")
		}
	}()
	l.Unlink(h)
}
