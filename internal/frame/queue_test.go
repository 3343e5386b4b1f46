package frame

import (
	"testing"
	"time"

	"gocv.io/x/gocv"
)

func testFrame(n int64) Frame {
	return Frame{
		Image:     gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC1),
		Number:    n,
		Timestamp: time.Now(),
		Origin:    OriginCamera,
	}
}

func drainAll(t *testing.T, q *Queue) []int64 {
	t.Helper()
	var nums []int64
	for {
		f, ok := q.TryPop()
		if !ok {
			return nums
		}
		nums = append(nums, f.Number)
		f.Release()
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue(4)
	for i := int64(1); i <= 4; i++ {
		if !q.TryPush(testFrame(i)) {
			t.Fatalf("TryPush %d failed below capacity", i)
		}
	}
	got := drainAll(t, q)
	want := []int64{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("popped %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("popped %v, want %v", got, want)
		}
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(3)
	for i := int64(1); i <= 5; i++ {
		q.TryPush(testFrame(i))
	}

	got := drainAll(t, q)
	want := []int64{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("popped %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("popped %v, want %v", got, want)
		}
	}
	if q.Dropped() != 2 {
		t.Fatalf("Dropped() = %d, want 2", q.Dropped())
	}
	if q.Pushed() != 5 {
		t.Fatalf("Pushed() = %d, want 5", q.Pushed())
	}
}

func TestOfferNeverEvicts(t *testing.T) {
	q := NewQueue(2)
	q.TryPush(testFrame(1))
	q.TryPush(testFrame(2))

	if q.Offer(testFrame(3)) {
		t.Fatal("Offer succeeded on a full queue")
	}
	got := drainAll(t, q)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("queue contents after failed Offer = %v, want [1 2]", got)
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
}

func TestPopWaitTimesOut(t *testing.T) {
	q := NewQueue(1)
	start := time.Now()
	if _, ok := q.PopWait(20 * time.Millisecond); ok {
		t.Fatal("PopWait returned a frame from an empty queue")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("PopWait returned after %v, expected to wait near the timeout", elapsed)
	}
}

func TestPopWaitDeliversQueuedFrame(t *testing.T) {
	q := NewQueue(1)
	q.TryPush(testFrame(7))
	f, ok := q.PopWait(time.Second)
	if !ok {
		t.Fatal("PopWait missed a queued frame")
	}
	if f.Number != 7 {
		t.Fatalf("popped frame %d, want 7", f.Number)
	}
	f.Release()
}

func TestDrainEmptiesQueue(t *testing.T) {
	q := NewQueue(8)
	for i := int64(1); i <= 8; i++ {
		q.TryPush(testFrame(i))
	}
	if n := q.Drain(time.Second); n != 8 {
		t.Fatalf("Drain released %d frames, want 8", n)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() after drain = %d, want 0", q.Len())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := testFrame(1)
	f.Image.SetUCharAt(0, 0, 42)

	c := f.Clone()
	f.Image.SetUCharAt(0, 0, 7)

	if got := c.Image.GetUCharAt(0, 0); got != 42 {
		t.Fatalf("clone pixel = %d, want 42", got)
	}
	if c.Number != f.Number || c.Origin != f.Origin {
		t.Fatal("clone lost frame metadata")
	}
	f.Release()
	c.Release()
}
