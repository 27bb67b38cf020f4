package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/streamgraph/filter"
	"github.com/zsiec/streamgraph/frame"
	"github.com/zsiec/streamgraph/queue"
)

func testQueueAlloc(filter.ConnData) queue.FrameQueue {
	return queue.NewAVFramedQueue(4, frame.KindVideo, 16, 0, 0)
}

func TestCreatePathRejectsUnknownFilter(t *testing.T) {
	m := NewManager(0)
	head := filter.NewHeadFilter(1, filter.RoleRegular)
	head.AllocQueue = testQueueAlloc
	m.RegisterFilter(head.Filter, head)

	if err := m.CreatePath(filter.ConnData{}, 1, 99); err == nil {
		t.Fatal("CreatePath() = nil, want ErrUnknownFilter")
	}
}

func TestCreatePathWiresLinearChain(t *testing.T) {
	m := NewManager(0)

	head := filter.NewHeadFilter(1, filter.RoleRegular)
	head.AllocQueue = testQueueAlloc
	mid := filter.NewOneToOneFilter(2, filter.RoleRegular)
	mid.AllocQueue = testQueueAlloc
	tail := filter.NewTailFilter(3, filter.RoleRegular)

	m.RegisterFilter(head.Filter, head)
	m.RegisterFilter(mid.Filter, mid)
	m.RegisterFilter(tail.Filter, tail)

	if err := m.CreatePath(filter.ConnData{}, 1, 2, 3); err != nil {
		t.Fatalf("CreatePath() = %v", err)
	}

	if head.ReaderCount() != 0 || head.WriterCount() != 1 {
		t.Fatalf("head arity = readers:%d writers:%d, want 0/1", head.ReaderCount(), head.WriterCount())
	}
	if mid.ReaderCount() != 1 || mid.WriterCount() != 1 {
		t.Fatalf("mid arity = readers:%d writers:%d, want 1/1", mid.ReaderCount(), mid.WriterCount())
	}
	if tail.ReaderCount() != 1 || tail.WriterCount() != 0 {
		t.Fatalf("tail arity = readers:%d writers:%d, want 1/0", tail.ReaderCount(), tail.WriterCount())
	}
}

func TestManagerRunsFramesEndToEnd(t *testing.T) {
	m := NewManager(0)

	var produced atomic.Int64
	head := filter.NewHeadFilter(1, filter.RoleRegular)
	head.AllocQueue = testQueueAlloc
	head.DoProcessFrame = func(dst map[int]*frame.Frame) bool {
		d := dst[filter.DefaultID]
		if d == nil {
			return false
		}
		d.Data = append(d.Data[:0], byte(produced.Load()))
		d.Length = 1
		d.Consumed = true
		produced.Add(1)
		return true
	}

	var consumed atomic.Int64
	tail := filter.NewTailFilter(2, filter.RoleRegular)
	tail.DoProcessFrame = func(org map[int]*frame.Frame, newIDs []int) bool {
		o := org[filter.DefaultID]
		if o == nil || len(newIDs) == 0 {
			return false
		}
		consumed.Add(1)
		return true
	}

	m.RegisterFilter(head.Filter, head)
	m.RegisterFilter(tail.Filter, tail)
	if err := m.CreatePath(filter.ConnData{}, 1, 2); err != nil {
		t.Fatalf("CreatePath() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Start(ctx)

	deadline := time.After(900 * time.Millisecond)
	for consumed.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("consumed only %d frames before deadline", consumed.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestManagerStateReportsEveryFilter(t *testing.T) {
	m := NewManager(0)
	head := filter.NewHeadFilter(1, filter.RoleRegular)
	head.AllocQueue = testQueueAlloc
	tail := filter.NewTailFilter(2, filter.RoleRegular)
	m.RegisterFilter(head.Filter, head)
	m.RegisterFilter(tail.Filter, tail)
	if err := m.CreatePath(filter.ConnData{}, 1, 2); err != nil {
		t.Fatalf("CreatePath() = %v", err)
	}

	state := m.State()
	if len(state) != 2 {
		t.Fatalf("State() = %d entries, want 2", len(state))
	}
}
