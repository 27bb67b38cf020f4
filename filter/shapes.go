package filter

import (
	"time"

	"github.com/zsiec/streamgraph/frame"
)

// ProcessFrame is implemented by every shape: run one iteration and report
// the scheduler wait hint (spec.md §4.5 step 6).
type ProcessFrame interface {
	ProcessFrame(now time.Time) time.Duration
}

// OneToOneFilter processes one origin frame into one destination frame per
// iteration, inheriting the origin's OriginTime (spec.md §4.5).
type OneToOneFilter struct {
	*Filter
	DoProcessFrame func(org, dst *frame.Frame) bool
}

// NewOneToOneFilter constructs a one-input/one-output filter.
func NewOneToOneFilter(id int, role Role) *OneToOneFilter {
	return &OneToOneFilter{Filter: New(id, role)}
}

func (s *OneToOneFilter) ProcessFrame(now time.Time) time.Duration {
	return s.runIteration(now, true, func(org, dst map[int]*frame.Frame) bool {
		o := org[DefaultID]
		d := dst[DefaultID]
		if o == nil || d == nil || s.DoProcessFrame == nil {
			return false
		}
		ok := s.DoProcessFrame(o, d)
		if ok {
			d.Consumed = true
			d.OriginTime = o.OriginTime
		}
		return ok
	})
}

// OneToManyFilter processes one origin frame into every connected writer's
// destination frame, each inheriting the origin's OriginTime.
type OneToManyFilter struct {
	*Filter
	DoProcessFrame func(org *frame.Frame, dst map[int]*frame.Frame) bool
}

// NewOneToManyFilter constructs a one-input/N-output filter.
func NewOneToManyFilter(id int, role Role) *OneToManyFilter {
	return &OneToManyFilter{Filter: New(id, role)}
}

func (s *OneToManyFilter) ProcessFrame(now time.Time) time.Duration {
	return s.runIteration(now, true, func(org, dst map[int]*frame.Frame) bool {
		o := org[DefaultID]
		if o == nil || s.DoProcessFrame == nil {
			return false
		}
		ok := s.DoProcessFrame(o, dst)
		if ok {
			for _, d := range dst {
				if d.Consumed {
					d.OriginTime = o.OriginTime
				}
			}
		}
		return ok
	})
}

// ManyToOneFilter merges every origin frame into one destination frame,
// which gets a fresh OriginTime and sequence number.
type ManyToOneFilter struct {
	*Filter
	DoProcessFrame func(org map[int]*frame.Frame, dst *frame.Frame, newFrames []int) bool
}

// NewManyToOneFilter constructs an N-input/one-output filter.
func NewManyToOneFilter(id int, role Role) *ManyToOneFilter {
	return &ManyToOneFilter{Filter: New(id, role)}
}

func (s *ManyToOneFilter) ProcessFrame(now time.Time) time.Duration {
	return s.runIteration(now, false, func(org, dst map[int]*frame.Frame) bool {
		d := dst[DefaultID]
		if d == nil || s.DoProcessFrame == nil {
			return false
		}
		ok := s.DoProcessFrame(org, d, s.Filter.lastNewIDs)
		if ok {
			d.Consumed = true
		}
		return ok
	})
}

// HeadFilter is a source: it has no readers. Each iteration, DoProcessFrame
// is handed every connected writer's destination slot and reports whether
// it committed anything; it is responsible for marking each slot it filled
// as Consumed itself (a source with several output ports, e.g. separate
// video/audio writers, may have data ready for only one of them on a given
// iteration).
type HeadFilter struct {
	*Filter
	DoProcessFrame func(dst map[int]*frame.Frame) bool
}

// NewHeadFilter constructs a source filter.
func NewHeadFilter(id int, role Role) *HeadFilter {
	return &HeadFilter{Filter: New(id, role)}
}

func (s *HeadFilter) ProcessFrame(now time.Time) time.Duration {
	return s.runIteration(now, false, func(_ map[int]*frame.Frame, dst map[int]*frame.Frame) bool {
		if s.DoProcessFrame == nil {
			return false
		}
		return s.DoProcessFrame(dst)
	})
}

// TailFilter is a sink: it has no writers, only origin frames.
type TailFilter struct {
	*Filter
	DoProcessFrame func(org map[int]*frame.Frame, newFrames []int) bool
}

// NewTailFilter constructs a sink filter.
func NewTailFilter(id int, role Role) *TailFilter {
	return &TailFilter{Filter: New(id, role)}
}

func (s *TailFilter) ProcessFrame(now time.Time) time.Duration {
	return s.runIteration(now, false, func(org, _ map[int]*frame.Frame) bool {
		if s.DoProcessFrame == nil {
			return false
		}
		return s.DoProcessFrame(org, s.Filter.lastNewIDs)
	})
}
