package effects

import "testing"

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue()
	var got []int
	q.Add(func() { got = append(got, 1) })
	q.Add(func() { got = append(got, 2) })
	q.Add(nil)
	if q.Len() != 2 {
		t.Fatalf("expected 2 queued effects, got %d", q.Len())
	}
	q.Run()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected run order: %v", got)
	}
	q.Run()
	if len(got) != 2 {
		t.Fatalf("queue ran twice: %v", got)
	}
}

func TestQueueSurvivesPanic(t *testing.T) {
	q := NewQueue()
	ran := false
	q.Add(func() { panic("boom") })
	q.Add(func() { ran = true })
	q.Run()
	if !ran {
		t.Fatal("effect after panic did not run")
	}
}
