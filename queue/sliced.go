package queue

import (
	"sync"
	"time"

	"github.com/zsiec/streamgraph/frame"
)

// SlicedVideoFrameQueue is a write-side adaptor (spec.md §4.2): producers
// commit one composite frame containing up to frame.MaxSlices NAL-unit-sized
// slices, and each slice is fanned out as an independent downstream frame
// in a wrapped AVFramedQueue.
type SlicedVideoFrameQueue struct {
	inner *AVFramedQueue

	mu           sync.Mutex
	container    *frame.Frame
	maxSliceSize int
}

// NewSlicedVideoFrameQueue wraps an inner ring of capacity innerCapacity,
// each inner slot sized maxSliceSize bytes (spec.md §4.2's "inner slot size
// equals maxSliceSize bytes").
func NewSlicedVideoFrameQueue(innerCapacity, maxSliceSize int, delay time.Duration) *SlicedVideoFrameQueue {
	q := &SlicedVideoFrameQueue{
		inner:        NewAVFramedQueue(innerCapacity, frame.KindVideo, maxSliceSize, 0, delay),
		maxSliceSize: maxSliceSize,
		container: &frame.Frame{
			Kind:   frame.KindSlicedVideo,
			Slices: make([]frame.Slice, 0, frame.MaxSlices),
		},
	}
	return q
}

// GetRear returns the composite container frame the producer should fill
// with any number of slices (bounded by frame.MaxSlices).
func (q *SlicedVideoFrameQueue) GetRear() *frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.container
}

// AddFrame copies each slice in the container into a distinct inner ring
// slot, propagating the container's presentation time, origin time,
// sequence number, and geometry into every slot, then clears the
// container. If a picture produces more slices than free inner slots, the
// oldest slices already queued are flushed to make room, preserving the
// newest slices of this picture; no partial picture (i.e. zero slices
// successfully written) is delivered.
func (q *SlicedVideoFrameQueue) AddFrame() []int {
	q.mu.Lock()
	container := q.container
	slices := make([]frame.Slice, len(container.Slices))
	copy(slices, container.Slices)
	meta := container.Video
	pts, origin, seq, dur := container.PTS, container.OriginTime, container.Sequence, container.Duration
	container.Slices = container.Slices[:0]
	q.mu.Unlock()

	if len(slices) == 0 {
		return nil
	}

	var readers []int
	for _, sl := range slices {
		if sl.Length > q.maxSliceSize {
			continue
		}
		dst := q.inner.ForceGetRear()
		dst.Kind = frame.KindVideo
		dst.Data = append(dst.Data[:0], sl.Data[:sl.Length]...)
		dst.Length = sl.Length
		dst.PTS = pts
		dst.OriginTime = origin
		dst.Sequence = seq
		dst.Duration = dur
		dst.Video = meta
		notified := q.inner.AddFrame()
		if len(notified) > 0 {
			readers = notified
		}
	}
	return readers
}

// GetFront delegates to the wrapped ring: downstream sees each slice as an
// independent frame.
func (q *SlicedVideoFrameQueue) GetFront() (*frame.Frame, bool) { return q.inner.GetFront() }

// ForceGetFront delegates to the wrapped ring.
func (q *SlicedVideoFrameQueue) ForceGetFront() (*frame.Frame, bool) { return q.inner.ForceGetFront() }

// RemoveFrame delegates to the wrapped ring.
func (q *SlicedVideoFrameQueue) RemoveFrame() bool { return q.inner.RemoveFrame() }

// ForceGetRear is not meaningful on the write side of a sliced queue: the
// container is always available (it is cleared after every AddFrame), so
// this simply returns GetRear's result.
func (q *SlicedVideoFrameQueue) ForceGetRear() *frame.Frame { return q.GetRear() }

// Flush delegates to the wrapped ring.
func (q *SlicedVideoFrameQueue) Flush() { q.inner.Flush() }

// Elements reports the number of fanned-out slice frames buffered downstream.
func (q *SlicedVideoFrameQueue) Elements() int { return q.inner.Elements() }

// Capacity reports the wrapped ring's capacity.
func (q *SlicedVideoFrameQueue) Capacity() int { return q.inner.Capacity() }

// Connected delegates to the wrapped ring.
func (q *SlicedVideoFrameQueue) Connected() bool { return q.inner.Connected() }

// SetConnected delegates to the wrapped ring.
func (q *SlicedVideoFrameQueue) SetConnected(c bool) { q.inner.SetConnected(c) }

// Discarded delegates to the wrapped ring.
func (q *SlicedVideoFrameQueue) Discarded() int64 { return q.inner.Discarded() }

// AddSlice appends one slice to the current container frame, to be fanned
// out on the next AddFrame. Returns false if the container already holds
// frame.MaxSlices slices or the slice exceeds maxSliceSize.
func (q *SlicedVideoFrameQueue) AddSlice(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.container.Slices) >= frame.MaxSlices || len(data) > q.maxSliceSize {
		return false
	}
	buf := append([]byte(nil), data...)
	q.container.Slices = append(q.container.Slices, frame.Slice{Data: buf, Length: len(buf)})
	return true
}
