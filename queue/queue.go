// Package queue implements the bounded frame buffers that sit between
// filters: the ring-buffer FrameQueue and its AVFramedQueue/
// SlicedVideoFrameQueue variants, plus the sample-granular
// AudioCircularBuffer used for audio pacing.
package queue

import (
	"errors"
	"time"

	"github.com/zsiec/streamgraph/frame"
)

// ErrAlreadyConnected reports a queue that already has both a producer and
// a consumer attached. No function in this package returns it.
var ErrAlreadyConnected = errors.New("queue: already connected")

// FrameQueue is the single-producer, single-Reader bounded buffer described
// in spec.md §4.1. Exactly these operations touch the backing storage.
//
// A queue has exactly one producing filter and exactly one Reader; fan-out
// to multiple independent consumers is modeled above this layer as
// multiple Writer/FrameQueue/Reader triples (see filter.OneToManyFilter),
// not multiple readers sharing one queue's ring buffer.
type FrameQueue interface {
	// GetRear returns the slot the producer should fill next, or nil if the
	// queue is full.
	GetRear() *frame.Frame
	// AddFrame commits the current rear slot, advances rear, and returns
	// the reader id(s) that should be woken because new data is available.
	// Returns nil if the queue is not connected.
	AddFrame() []int
	// ForceGetRear guarantees a slot by flushing the oldest committed frame
	// until space exists. Never returns nil.
	ForceGetRear() *frame.Frame

	// GetFront returns the earliest uncommitted-read frame, or nil if the
	// queue is empty or the delay gate holds. newFrame is true the first
	// time this call observes the current front slot.
	GetFront() (fr *frame.Frame, newFrame bool)
	// ForceGetFront returns the front frame if available, or the
	// previously delivered front frame unchanged if the queue is empty
	// (duplicate-instead-of-starve semantics). Returns nil only if no
	// frame has ever been delivered.
	ForceGetFront() (fr *frame.Frame, newFrame bool)
	// RemoveFrame marks the current front slot consumed, advancing front
	// and decrementing the element count. Returns false if the queue was
	// already empty.
	RemoveFrame() bool

	// Flush drops the oldest committed frame to make room, decrementing
	// the element count. No-op on an empty queue.
	Flush()

	Elements() int
	Capacity() int

	Connected() bool
	SetConnected(bool)

	// Discarded returns the number of frames dropped by Flush/ForceGetRear
	// since construction.
	Discarded() int64
}

// Clock abstracts wall-clock reads so tests can control delay-gate timing
// without sleeping. Defaults to time.Now via NewClock.
type Clock func() time.Time

// NewClock returns the real-time Clock used by production queues.
func NewClock() Clock { return time.Now }

func nowMicros(c Clock) int64 {
	return c().UnixMicro()
}
