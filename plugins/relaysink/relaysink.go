// Package relaysink adapts the teacher's distribution.Relay (MoQ viewer
// fan-out, GOP cache, caption broadcast) into a filter.TailFilter: the sink
// end of a pipeline graph. Frames pulled from the substrate are translated
// back into media.VideoFrame/media.AudioFrame before being handed to the
// Relay, which is itself unaware the pipeline substrate exists.
package relaysink

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/streamgraph/distribution"
	"github.com/zsiec/streamgraph/filter"
	"github.com/zsiec/streamgraph/frame"
	"github.com/zsiec/streamgraph/media"
)

// Filter is a filter.TailFilter delivering every connected reader's frames
// to a Relay, routing by ReaderID: VideoReaderID carries KindVideo frames,
// AudioReaderID (if set) carries KindInterleavedAudio frames.
type Filter struct {
	*filter.TailFilter

	relay *distribution.Relay

	VideoReaderID int
	AudioReaderID int // 0 (unset) if this sink has no audio input

	codec string
}

// New constructs a video-only sink filter wrapping relay.
func New(id int, relay *distribution.Relay, codec string) *Filter {
	return newFilter(id, relay, codec, false)
}

// NewWithAudio constructs a sink filter carrying both a video and an audio
// input port.
func NewWithAudio(id int, relay *distribution.Relay, codec string) *Filter {
	return newFilter(id, relay, codec, true)
}

func newFilter(id int, relay *distribution.Relay, codec string, withAudio bool) *Filter {
	s := &Filter{
		TailFilter: filter.NewTailFilter(id, filter.RoleRegular),
		relay:      relay,
		codec:      codec,
	}
	s.VideoReaderID = s.GenerateReaderID(!withAudio)
	if withAudio {
		s.AudioReaderID = s.GenerateReaderID(false)
	}
	s.DoProcessFrame = s.drain
	return s
}

func (s *Filter) drain(org map[int]*frame.Frame, newIDs []int) bool {
	progressed := false
	newSet := make(map[int]struct{}, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = struct{}{}
	}

	if o, ok := org[s.VideoReaderID]; ok {
		if _, isNew := newSet[s.VideoReaderID]; isNew {
			s.relay.BroadcastVideo(&media.VideoFrame{
				PTS:        o.PTS,
				DTS:        o.PTS,
				IsKeyframe: o.Video.IsKeyframe,
				NALUs:      [][]byte{append([]byte(nil), o.Data[:o.Length]...)},
				Codec:      s.codec,
			})
			progressed = true
		}
	}

	if s.AudioReaderID != 0 {
		if o, ok := org[s.AudioReaderID]; ok {
			if _, isNew := newSet[s.AudioReaderID]; isNew {
				s.relay.BroadcastAudio(&media.AudioFrame{
					PTS:        o.PTS,
					Data:       append([]byte(nil), o.Data[:o.Length]...),
					SampleRate: o.Audio.SampleRate,
					Channels:   o.Audio.Channels,
				})
				progressed = true
			}
		}
	}

	return progressed
}

// BroadcastCaptions forwards a parsed caption frame directly to the relay,
// bypassing the pipeline substrate: captions arrive out-of-band from
// zsiec/ccx's own extraction path rather than through a filter queue.
func (s *Filter) BroadcastCaptions(f *ccx.CaptionFrame) {
	s.relay.BroadcastCaptions(f)
}
