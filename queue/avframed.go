package queue

import (
	"sync"
	"time"

	"github.com/zsiec/streamgraph/frame"
)

// Sizing defaults from spec.md §4.1, policy only — AVFramedQueue itself is
// agnostic to what it stores.
const (
	H264QueueSlots  = 100
	H264MaxSlotSize = 6 * 1024 * 1024
	OpusQueueSlots  = 1000
	OpusMaxSlotSize = 2 * 1024

	RawAudioQueueSlots = 2000
)

// AVFramedQueue is the concrete ring-buffer FrameQueue for discrete A/V
// frames (spec.md §4.1). Slot buffers are preallocated at construction and
// reused for the queue's lifetime.
type AVFramedQueue struct {
	mu sync.Mutex

	slots []*frame.Frame
	rear  int
	front int
	count int

	// seenFrontSeq is the Sequence number of the slot currently at front that
	// this queue has already reported once via GetFront/ForceGetFront.
	// Used to compute the newFrame flag.
	haveSeenFront bool
	seenFrontSeq  uint64

	lastDelivered *frame.Frame // for ForceGetFront's duplicate-on-empty path

	delay     time.Duration
	connected bool
	discarded int64

	clock Clock
}

// NewAVFramedQueue constructs a ring of capacity cap, allocating cap frame
// slots with the given kind and per-slot byte capacity. delay is the
// minimum dwell time (spec.md §4.1's "delay gate") before a committed frame
// becomes visible to GetFront.
func NewAVFramedQueue(capacity int, kind frame.Kind, maxSlotBytes int, channels int, delay time.Duration) *AVFramedQueue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &AVFramedQueue{
		slots: make([]*frame.Frame, capacity),
		delay: delay,
		clock: NewClock(),
	}
	for i := range q.slots {
		q.slots[i] = newSlot(kind, maxSlotBytes, channels)
	}
	return q
}

// SetClock overrides the queue's time source, for tests that need
// deterministic delay-gate behavior.
func (q *AVFramedQueue) SetClock(c Clock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = c
}

func newSlot(kind frame.Kind, maxBytes int, channels int) *frame.Frame {
	f := &frame.Frame{Kind: kind, MaxLength: maxBytes}
	switch kind {
	case frame.KindPlanarAudio:
		f.Planes = make([][]byte, channels)
		for i := range f.Planes {
			f.Planes[i] = make([]byte, 0, maxBytes)
		}
	case frame.KindSlicedVideo:
		f.Slices = make([]frame.Slice, 0, frame.MaxSlices)
	default:
		f.Data = make([]byte, 0, maxBytes)
	}
	return f
}

// GetRear implements FrameQueue.
func (q *AVFramedQueue) GetRear() *frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getRearLocked()
}

func (q *AVFramedQueue) getRearLocked() *frame.Frame {
	if q.count >= len(q.slots) {
		return nil
	}
	return q.slots[q.rear]
}

// AddFrame implements FrameQueue.
func (q *AVFramedQueue) AddFrame() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= len(q.slots) {
		return nil
	}
	q.slots[q.rear].Consumed = true
	q.rear = (q.rear + 1) % len(q.slots)
	q.count++

	if !q.connected {
		return nil
	}
	return []int{notifyAll}
}

// notifyAll is the sentinel reader id returned by AddFrame; endpoint.Writer
// returns it to its caller unchanged.
const notifyAll = 0

// ForceGetRear implements FrameQueue. It never returns nil: it flushes the
// oldest committed frame until a rear slot is free.
func (q *AVFramedQueue) ForceGetRear() *frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count >= len(q.slots) {
		q.flushLocked()
	}
	return q.slots[q.rear]
}

// GetFront implements FrameQueue.
func (q *AVFramedQueue) GetFront() (*frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getFrontLocked()
}

func (q *AVFramedQueue) getFrontLocked() (*frame.Frame, bool) {
	if q.count <= 0 {
		return nil, false
	}

	fr := q.slots[q.front]
	if q.delay > 0 {
		age := time.Duration(nowMicros(q.clock)-fr.OriginTime) * time.Microsecond
		if age < q.delay {
			return nil, false
		}
	}

	newFrame := !q.haveSeenFront || q.seenFrontSeq != fr.Sequence
	if newFrame {
		q.haveSeenFront = true
		q.seenFrontSeq = fr.Sequence
	}
	return fr, newFrame
}

// ForceGetFront implements FrameQueue: on an empty queue it returns the
// previously delivered front frame unchanged rather than nil.
func (q *AVFramedQueue) ForceGetFront() (*frame.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	fr, isNew := q.getFrontLocked()
	if fr != nil {
		q.lastDelivered = fr
		return fr, isNew
	}
	return q.lastDelivered, false
}

// RemoveFrame implements FrameQueue.
func (q *AVFramedQueue) RemoveFrame() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeFrameLocked()
}

func (q *AVFramedQueue) removeFrameLocked() bool {
	if q.count <= 0 {
		return false
	}
	q.front = (q.front + 1) % len(q.slots)
	q.count--
	q.haveSeenFront = false
	return true
}

// Flush implements FrameQueue: drops the oldest committed frame.
func (q *AVFramedQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushLocked()
}

func (q *AVFramedQueue) flushLocked() {
	if q.count <= 0 {
		return
	}
	q.front = (q.front + 1) % len(q.slots)
	q.count--
	q.haveSeenFront = false
	q.discarded++
}

// Elements implements FrameQueue.
func (q *AVFramedQueue) Elements() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Capacity implements FrameQueue.
func (q *AVFramedQueue) Capacity() int {
	return len(q.slots)
}

// Connected implements FrameQueue.
func (q *AVFramedQueue) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

// SetConnected implements FrameQueue.
func (q *AVFramedQueue) SetConnected(c bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connected = c
}

// Discarded implements FrameQueue.
func (q *AVFramedQueue) Discarded() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discarded
}
