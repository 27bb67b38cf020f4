// Package endpoint implements the Reader/Writer objects that bind filters
// to queues (spec.md §4.4): a Writer stamps and commits frames on the
// producer side, a Reader tracks per-sharer consumption on the consumer
// side and supports sharing one queue across several filters.
package endpoint

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/streamgraph/frame"
	"github.com/zsiec/streamgraph/queue"
)

// Writer binds a filter's output port to one queue, stamping each
// committed frame with a monotonic sequence number and the wall-clock
// commit time (spec.md §3 Writer, §4.4).
type Writer struct {
	mu       sync.Mutex
	q        queue.FrameQueue
	seq      uint64
	filterID int
	log      *slog.Logger
}

// NewWriter binds a Writer to q on behalf of filterID.
func NewWriter(filterID int, q queue.FrameQueue) *Writer {
	return &Writer{
		q:        q,
		filterID: filterID,
		log:      slog.With("component", "endpoint.writer", "filter", filterID),
	}
}

// GetFrame returns the queue's rear slot, or forces one if force is true.
func (w *Writer) GetFrame(force bool) *frame.Frame {
	if force {
		return w.q.ForceGetRear()
	}
	return w.q.GetRear()
}

// AddFrame stamps dst with the next sequence number and commits the
// current rear slot. OriginTime is set to the current wall clock unless
// passthroughOrigin is true, in which case the caller has already set it
// from an upstream frame and it is left as is (spec.md §3 Writer invariant).
// Returns the reader ids the scheduler should wake.
func (w *Writer) AddFrame(dst *frame.Frame, passthroughOrigin bool) []int {
	w.mu.Lock()
	w.seq++
	dst.Sequence = w.seq
	if !passthroughOrigin {
		dst.OriginTime = time.Now().UnixMicro()
	}
	w.mu.Unlock()

	readers := w.q.AddFrame()
	if readers == nil {
		w.log.Debug("addFrame on disconnected or full queue", "sequence", dst.Sequence)
	}
	return readers
}

// Queue exposes the underlying FrameQueue, e.g. for allocation-time
// negotiation in filter.Filter.ConfigureWriter.
func (w *Writer) Queue() queue.FrameQueue { return w.q }

// Disconnect marks the underlying queue disconnected. The queue itself is
// destroyed by the pipeline manager only once every endpoint sharing it
// has disconnected (spec.md §4.4's no-use-after-free invariant); Writer
// and Reader each hold their own reference to the same queue object, so
// dropping one endpoint's reference never invalidates the other's.
func (w *Writer) Disconnect() {
	w.q.SetConnected(false)
}

// Reader binds a filter's input port to one queue and supports sharing:
// several filters may attach to the same Reader via Share without
// duplicating the queue. The queue's front only advances once every
// sharer has acknowledged the current slot (spec.md §3 Reader, §4.4,
// Open Question 2).
type Reader struct {
	mu       sync.Mutex
	q        queue.FrameQueue
	sharers  map[int]struct{} // filter ids currently sharing this Reader
	acked    map[int]struct{} // sharers that have called RemoveFrame for the current front slot
	frontSeq uint64
	haveSeen bool

	delayTotal time.Duration
	delayCount int64
	dropped    int64

	log *slog.Logger
}

// NewReader creates a Reader bound to q, initially owned by ownerFilterID.
func NewReader(ownerFilterID int, q queue.FrameQueue) *Reader {
	return &Reader{
		q:       q,
		sharers: map[int]struct{}{ownerFilterID: {}},
		acked:   make(map[int]struct{}),
		log:     slog.With("component", "endpoint.reader"),
	}
}

// Share attaches an additional filter id to this Reader, so it observes
// the same queue independently of the original owner's acknowledgements.
func (r *Reader) Share(filterID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sharers[filterID] = struct{}{}
}

// Unshare detaches filterID. If it had not yet acknowledged the current
// front slot, the front may now be eligible to advance.
func (r *Reader) Unshare(filterID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sharers, filterID)
	delete(r.acked, filterID)
	r.maybeAdvanceLocked()
}

// GetFrame returns the front frame for the calling sharer. newFrame is
// true until this sharer acknowledges the current front slot with
// RemoveFrame.
func (r *Reader) GetFrame(filterID int) (fr *frame.Frame, newFrame bool) {
	fr, isNewToQueue := r.q.GetFront()
	if fr == nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if isNewToQueue || !r.haveSeen || r.frontSeq != fr.Sequence {
		r.frontSeq = fr.Sequence
		r.haveSeen = true
		r.acked = make(map[int]struct{})
	}
	_, alreadyAcked := r.acked[filterID]
	return fr, !alreadyAcked
}

// RemoveFrame records that filterID has consumed the current front slot.
// The queue's front only advances once every sharer has acknowledged it;
// repeated calls for the same slot by the same sharer are idempotent.
func (r *Reader) RemoveFrame(filterID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked[filterID] = struct{}{}
	r.maybeAdvanceLocked()
}

func (r *Reader) maybeAdvanceLocked() {
	if len(r.sharers) == 0 {
		return
	}
	for id := range r.sharers {
		if _, ok := r.acked[id]; !ok {
			return
		}
	}
	if r.q.RemoveFrame() {
		r.acked = make(map[int]struct{})
		r.haveSeen = false
	}
}

// ForceGetFrame is the duplicate-instead-of-starve variant used by
// wall-clock-paced sinks.
func (r *Reader) ForceGetFrame() (fr *frame.Frame, newFrame bool) {
	return r.q.ForceGetFront()
}

// RecordDelay accumulates a sample for DelayMicros' running average, and
// RecordDrop increments the loss counter. Both are the "getLostBlocs"/
// "getAvgReaderDelay" telemetry spec.md §4.4 alludes to without detailing.
func (r *Reader) RecordDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delayTotal += d
	r.delayCount++
}

func (r *Reader) RecordDrop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

// DelayMicros returns the running average reader delay in microseconds.
func (r *Reader) DelayMicros() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.delayCount == 0 {
		return 0
	}
	return (r.delayTotal / time.Duration(r.delayCount)).Microseconds()
}

// Dropped returns the number of frames this Reader has recorded as lost.
func (r *Reader) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Queue exposes the underlying FrameQueue.
func (r *Reader) Queue() queue.FrameQueue { return r.q }

// Disconnect marks the underlying queue disconnected.
func (r *Reader) Disconnect() {
	r.q.SetConnected(false)
}
