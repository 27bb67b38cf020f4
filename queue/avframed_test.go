package queue

import (
	"testing"
	"time"

	"github.com/zsiec/streamgraph/frame"
)

func commitSeq(t *testing.T, q *AVFramedQueue, seq uint64) {
	t.Helper()
	fr := q.GetRear()
	if fr == nil {
		t.Fatalf("GetRear() = nil committing seq %d, want a slot", seq)
	}
	fr.Sequence = seq
	fr.OriginTime = 0
	q.AddFrame()
}

func TestAVFramedQueueNormalBehavior(t *testing.T) {
	q := NewAVFramedQueue(4, frame.KindVideo, 16, 0, 0)
	q.SetConnected(true)

	commitSeq(t, q, 0)
	commitSeq(t, q, 1)
	commitSeq(t, q, 2)

	if got := q.Elements(); got != 3 {
		t.Fatalf("Elements() = %d, want 3", got)
	}
	if q.GetRear() == nil {
		t.Fatal("GetRear() = nil with one slot free, want a slot")
	}

	commitSeq(t, q, 3)
	if q.GetRear() != nil {
		t.Fatal("GetRear() on a full queue, want nil")
	}

	for _, want := range []uint64{0, 1, 2, 3} {
		fr, _ := q.GetFront()
		if fr == nil {
			t.Fatalf("GetFront() = nil, want seq %d", want)
		}
		if fr.Sequence != want {
			t.Fatalf("GetFront().Sequence = %d, want %d", fr.Sequence, want)
		}
		if !q.RemoveFrame() {
			t.Fatalf("RemoveFrame() = false popping seq %d", want)
		}
	}

	if fr, _ := q.GetFront(); fr != nil {
		t.Fatalf("GetFront() on drained queue = %+v, want nil", fr)
	}
	if q.RemoveFrame() {
		t.Fatal("RemoveFrame() on empty queue = true, want false")
	}
}

func TestAVFramedQueueForceGetRearDropsOldest(t *testing.T) {
	q := NewAVFramedQueue(4, frame.KindVideo, 16, 0, 0)
	q.SetConnected(true)

	commitSeq(t, q, 0)
	commitSeq(t, q, 1)
	commitSeq(t, q, 2)
	commitSeq(t, q, 3)

	if q.Elements() != 4 {
		t.Fatalf("Elements() = %d, want 4 (full)", q.Elements())
	}

	fr := q.ForceGetRear()
	if fr == nil {
		t.Fatal("ForceGetRear() = nil, want a slot (never nil)")
	}
	if q.Elements() != 3 {
		t.Fatalf("Elements() after ForceGetRear = %d, want 3 (one dropped)", q.Elements())
	}
	if q.Discarded() != 1 {
		t.Fatalf("Discarded() = %d, want 1", q.Discarded())
	}

	fr.Sequence = 4
	q.AddFrame()

	for _, want := range []uint64{1, 2, 3, 4} {
		got, _ := q.GetFront()
		if got == nil || got.Sequence != want {
			t.Fatalf("GetFront() = %+v, want seq %d", got, want)
		}
		q.RemoveFrame()
	}
}

func TestAVFramedQueueForceGetRearNeverNil(t *testing.T) {
	q := NewAVFramedQueue(2, frame.KindVideo, 16, 0, 0)
	q.SetConnected(true)

	for i := 0; i < 50; i++ {
		fr := q.ForceGetRear()
		if fr == nil {
			t.Fatalf("ForceGetRear() = nil on iteration %d", i)
		}
		fr.Sequence = uint64(i)
		q.AddFrame()
		if q.Elements() > q.Capacity() {
			t.Fatalf("Elements() = %d exceeds Capacity() = %d", q.Elements(), q.Capacity())
		}
	}
}

func TestAVFramedQueueForceGetFrontDuplicatesOnEmpty(t *testing.T) {
	q := NewAVFramedQueue(4, frame.KindVideo, 16, 0, 0)
	q.SetConnected(true)

	commitSeq(t, q, 7)
	fr, isNew := q.ForceGetFront()
	if fr == nil || fr.Sequence != 7 || !isNew {
		t.Fatalf("ForceGetFront() = (%+v, %v), want (seq 7, true)", fr, isNew)
	}
	q.RemoveFrame()

	// Queue is now empty; ForceGetFront must return the last delivered
	// frame again instead of nil, with isNew=false.
	fr2, isNew2 := q.ForceGetFront()
	if fr2 != fr {
		t.Fatalf("ForceGetFront() on empty queue returned a different frame, want the same pointer")
	}
	if isNew2 {
		t.Error("ForceGetFront() on empty queue reported isNew=true, want false (duplicate)")
	}
}

func TestAVFramedQueueDelayGate(t *testing.T) {
	q := NewAVFramedQueue(4, frame.KindVideo, 16, 0, 50_000_000) // 50ms delay
	q.SetConnected(true)

	now := int64(1_000_000)
	q.SetClock(func() time.Time { return time.UnixMicro(now) })

	fr := q.GetRear()
	fr.OriginTime = now
	fr.Sequence = 0
	q.AddFrame()

	if got, _ := q.GetFront(); got != nil {
		t.Fatal("GetFront() returned a frame newer than the delay gate, want nil")
	}

	now += 60_000 // 60ms later, past the 50ms delay
	q.SetClock(func() time.Time { return time.UnixMicro(now) })

	got, isNew := q.GetFront()
	if got == nil || !isNew {
		t.Fatalf("GetFront() after delay elapsed = (%+v, %v), want a frame, true", got, isNew)
	}
}

func TestAVFramedQueueBoundsInvariant(t *testing.T) {
	q := NewAVFramedQueue(3, frame.KindVideo, 16, 0, 0)
	q.SetConnected(true)

	for i := 0; i < 10; i++ {
		if fr := q.GetRear(); fr != nil {
			fr.Sequence = uint64(i)
			q.AddFrame()
		}
		if q.Elements() < 0 || q.Elements() > q.Capacity() {
			t.Fatalf("Elements() = %d out of [0, %d]", q.Elements(), q.Capacity())
		}
		if i%2 == 0 {
			if fr, _ := q.GetFront(); fr != nil {
				q.RemoveFrame()
			}
		}
	}
}
