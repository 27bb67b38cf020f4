package filter

import (
	"time"

	"github.com/zsiec/streamgraph/endpoint"
	"github.com/zsiec/streamgraph/frame"
)

// demandResult is returned by the three input-demand strategies
// (spec.md §4.5 step 2).
type demandResult struct {
	org    map[int]*frame.Frame
	newIDs []int // reader ids whose frame was newly observed this iteration
	ok     bool
}

// demandInput dispatches to the configured strategy: frame-time-paced if
// FrameTime > 0, synchronized if a reference reader is set, best-effort
// otherwise.
func (f *Filter) demandInput(now time.Time) demandResult {
	f.mu.Lock()
	readers := make(map[int]*endpoint.Reader, len(f.readers))
	for id, r := range f.readers {
		readers[id] = r
	}
	f.mu.Unlock()

	if len(readers) == 0 {
		return demandResult{org: map[int]*frame.Frame{}, ok: true}
	}

	switch {
	case f.FrameTime > 0:
		return f.demandInputFrameTimePaced(readers)
	case f.ReferenceReaderID != 0:
		return f.demandInputSynchronized(readers)
	default:
		return f.demandInputBestEffort(readers)
	}
}

func (f *Filter) demandInputBestEffort(readers map[int]*endpoint.Reader) demandResult {
	org := make(map[int]*frame.Frame, len(readers))
	var newIDs []int
	anyNew := false
	for id, r := range readers {
		fr, isNew := r.GetFrame(f.ID)
		if fr == nil {
			continue
		}
		org[id] = fr
		if isNew {
			anyNew = true
			newIDs = append(newIDs, id)
		}
	}
	return demandResult{org: org, newIDs: newIDs, ok: anyNew}
}

func (f *Filter) demandInputSynchronized(readers map[int]*endpoint.Reader) demandResult {
	ref, ok := readers[f.ReferenceReaderID]
	if !ok {
		return demandResult{ok: false}
	}
	refFrame, refIsNew := ref.GetFrame(f.ID)
	if refFrame == nil {
		return demandResult{ok: false}
	}
	t := refFrame.PTS
	margin := f.SyncMargin.Microseconds()

	org := map[int]*frame.Frame{f.ReferenceReaderID: refFrame}
	var newIDs []int
	if refIsNew {
		newIDs = append(newIDs, f.ReferenceReaderID)
	}
	anyNew := refIsNew

	for id, r := range readers {
		if id == f.ReferenceReaderID {
			continue
		}
		fr, isNew := r.GetFrame(f.ID)
		if fr == nil {
			return demandResult{ok: false}
		}
		for fr.PTS < t-margin {
			r.RemoveFrame(f.ID)
			fr, isNew = r.GetFrame(f.ID)
			if fr == nil {
				return demandResult{ok: false}
			}
		}
		if fr.PTS > t+margin {
			return demandResult{ok: false}
		}
		org[id] = fr
		if isNew {
			anyNew = true
			newIDs = append(newIDs, id)
		}
	}
	return demandResult{org: org, newIDs: newIDs, ok: anyNew}
}

func (f *Filter) demandInputFrameTimePaced(readers map[int]*endpoint.Reader) demandResult {
	frameTimeMicros := f.FrameTime.Microseconds()
	org := make(map[int]*frame.Frame, len(readers))
	var newIDs []int
	allInWindow := true
	anyInWindow := false

	for id, r := range readers {
		fr, isNew := r.GetFrame(f.ID)
		for fr != nil && fr.PTS < f.syncTs {
			r.RemoveFrame(f.ID)
			fr, isNew = r.GetFrame(f.ID)
		}
		if fr == nil {
			allInWindow = false
			continue
		}
		if fr.PTS >= f.syncTs && fr.PTS < f.syncTs+frameTimeMicros {
			org[id] = fr
			anyInWindow = true
			if isNew {
				newIDs = append(newIDs, id)
			}
		} else {
			allInWindow = false
		}
	}

	if !allInWindow {
		if !anyInWindow {
			// No reader has anything in the current window: shift it
			// forward rather than stalling forever.
			f.syncTs += frameTimeMicros
		}
		return demandResult{ok: false}
	}

	f.syncTs += frameTimeMicros
	return demandResult{org: org, newIDs: newIDs, ok: true}
}

// demandOutput takes the rear slot of every connected writer, skipping any
// that are currently full (backpressure) — spec.md §4.5 step 3.
func (f *Filter) demandOutput() map[int]*frame.Frame {
	f.mu.Lock()
	writers := make(map[int]*endpoint.Writer, len(f.writers))
	for id, w := range f.writers {
		writers[id] = w
	}
	f.mu.Unlock()

	dst := make(map[int]*frame.Frame, len(writers))
	for id, w := range writers {
		d := w.GetFrame(false)
		if d == nil {
			continue
		}
		d.Consumed = false
		dst[id] = d
	}
	return dst
}

// commit calls AddFrame on every writer whose dst frame was marked
// consumed=true by the filter body, and acknowledges every origin reader
// flagged new in newOrgIDs (spec.md §4.5 step 5). passthroughOrigin
// decides whether each dst's OriginTime is preserved (already set by the
// caller from an origin frame) or left for the Writer to stamp fresh.
func (f *Filter) commit(dst map[int]*frame.Frame, passthroughOrigin bool, newOrgIDs []int) []int {
	f.mu.Lock()
	writers := make(map[int]*endpoint.Writer, len(dst))
	for id := range dst {
		if w, ok := f.writers[id]; ok {
			writers[id] = w
		}
	}
	readers := make(map[int]*endpoint.Reader, len(newOrgIDs))
	for _, id := range newOrgIDs {
		if r, ok := f.readers[id]; ok {
			readers[id] = r
		}
	}
	f.mu.Unlock()

	var woken []int
	for id, d := range dst {
		if !d.Consumed {
			continue
		}
		w, ok := writers[id]
		if !ok {
			continue
		}
		woken = append(woken, w.AddFrame(d, passthroughOrigin)...)
	}
	for _, r := range readers {
		r.RemoveFrame(f.ID)
	}
	return woken
}

// runIteration is the single generic loop shared by every shape
// (spec.md §9's "generic iteration loop lives once"). body receives the
// demanded origin frames and destination frames and reports whether it
// committed anything; it is responsible for marking each dst.Consumed and,
// for passthrough shapes, copying OriginTime from the relevant org frame.
func (f *Filter) runIteration(now time.Time, passthroughOrigin bool, body func(org, dst map[int]*frame.Frame) bool) (waitHint time.Duration) {
	f.drainEvents(now)

	d := f.demandInput(now)
	if !d.ok && f.Role == RoleRegular && f.hasReaders() {
		return WaitDefault
	}

	f.lastNewIDs = d.newIDs

	dst := f.demandOutput()
	progressed := body(d.org, dst)

	f.commit(dst, passthroughOrigin, d.newIDs)

	if f.Role == RoleServer {
		return 0
	}
	if !progressed {
		return WaitDefault
	}
	return 0
}

func (f *Filter) hasReaders() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readers) > 0
}
