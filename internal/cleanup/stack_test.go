package cleanup

import (
	"errors"
	"testing"
)

func TestUnwindRunsInReverseOrder(t *testing.T) {
	var order []string
	var s Stack
	s.Push("first", func() error { order = append(order, "first"); return nil })
	s.Push("second", func() error { order = append(order, "second"); return nil })
	s.Push("third", func() error { order = append(order, "third"); return nil })

	if err := s.Unwind(); err != nil {
		t.Fatalf("Unwind: %v", err)
	}

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestUnwindAggregatesAllErrorsAndRunsEveryStep(t *testing.T) {
	ran := 0
	var s Stack
	s.Push("a", func() error { ran++; return errors.New("boom a") })
	s.Push("b", func() error { ran++; return errors.New("boom b") })
	s.Push("c", func() error { ran++; return nil })

	err := s.Unwind()
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if ran != 3 {
		t.Fatalf("ran = %d steps, want 3 (every step must run despite earlier failures)", ran)
	}
}

func TestUnwindIsIdempotent(t *testing.T) {
	calls := 0
	var s Stack
	s.Push("once", func() error { calls++; return nil })

	if err := s.Unwind(); err != nil {
		t.Fatal(err)
	}
	if err := s.Unwind(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (Unwind must not re-run steps)", calls)
	}
}
