// Package demuxsource adapts the teacher's demux package (H.264/H.265 Annex
// B and AAC ADTS elementary-stream parsing) into a filter.HeadFilter: the
// source end of a pipeline graph. Whatever ingest transport owns the raw
// byte stream (ingest/srt, a file reader, ...) calls PushVideo/PushAudio as
// chunks arrive; the filter's ProcessFrame drains one pending unit per
// iteration into the substrate, translating demux's elementary-stream types
// into frame.Frame.
package demuxsource

import (
	"sync"

	"github.com/zsiec/streamgraph/demux"
	"github.com/zsiec/streamgraph/distribution"
	"github.com/zsiec/streamgraph/filter"
	"github.com/zsiec/streamgraph/frame"
	"github.com/zsiec/streamgraph/queue"
)

const (
	defaultQueueSlots   = 64
	defaultMaxNALSize   = 2 << 20 // 2 MiB, generous for a single keyframe NAL
	defaultMaxADTSFrame = 8 << 10
)

type pendingNAL struct {
	data       []byte
	pts        int64
	keyframe   bool
}

type pendingAudio struct {
	data       []byte
	pts        int64
	sampleRate int
	channels   int
}

// Filter is a filter.HeadFilter producing one video writer port (Filter.VideoWriterID)
// and, if NewWithAudio was used, one audio writer port (Filter.AudioWriterID).
type Filter struct {
	*filter.HeadFilter

	dm *demux.Demuxer

	VideoWriterID int
	AudioWriterID int // 0 (unset) if this source carries no audio track

	// Stats records per-frame telemetry as units are demuxed; it is read
	// back through DemuxStats.Snapshot (cmd/prism attaches it to the stream
	// for its periodic stats log).
	Stats *distribution.DemuxStats

	mu          sync.Mutex
	video       []pendingNAL
	audio       []pendingAudio
	nextVideoPT int64
}

// New constructs a video-only source filter wrapping dm, allocating a
// SlicedVideoFrameQueue-sized AVFramedQueue for its writer.
func New(id int, dm *demux.Demuxer) *Filter {
	return newFilter(id, dm, false)
}

// NewWithAudio constructs a source filter carrying both a video and an
// audio output port.
func NewWithAudio(id int, dm *demux.Demuxer) *Filter {
	return newFilter(id, dm, true)
}

func newFilter(id int, dm *demux.Demuxer, withAudio bool) *Filter {
	s := &Filter{
		HeadFilter: filter.NewHeadFilter(id, filter.RoleRegular),
		dm:         dm,
		Stats:      distribution.NewDemuxStats(),
	}
	switch dm.Codec() {
	case demux.CodecH264:
		s.Stats.RecordVideoCodec("h264")
	case demux.CodecH265:
		s.Stats.RecordVideoCodec("h265")
	}
	s.VideoWriterID = s.GenerateWriterID(!withAudio)
	if withAudio {
		s.AudioWriterID = s.GenerateWriterID(false)
	}

	s.AllocQueue = func(cd filter.ConnData) queue.FrameQueue {
		if cd.StreamInfo.Type == frame.StreamTypeAudio {
			return queue.NewAVFramedQueue(defaultQueueSlots*4, frame.KindInterleavedAudio, defaultMaxADTSFrame, 0, 0)
		}
		return queue.NewAVFramedQueue(defaultQueueSlots, frame.KindVideo, defaultMaxNALSize, 0, 0)
	}
	s.DoProcessFrame = s.fill
	return s
}

// PushVideo enqueues a raw Annex B chunk for demultiplexing into NAL units,
// each forwarded as a separate video frame with an internally-assigned,
// monotonically increasing PTS spaced frameDuration apart (real wall-clock
// PTS recovery is the ingest transport's job; this source only guarantees
// monotonicity for callers that don't have real timestamps yet).
func (s *Filter) PushVideo(annexB []byte, frameDurationMicros int64) {
	units := s.dm.DemuxVideo(annexB)
	if len(units) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		keyframe := s.dm.IsVideoKeyframe(u.Type)
		s.video = append(s.video, pendingNAL{
			data:     u.Data,
			pts:      s.nextVideoPT,
			keyframe: keyframe,
		})
		s.Stats.RecordVideoFrame(int64(len(u.Data)), keyframe, s.nextVideoPT)
		s.nextVideoPT += frameDurationMicros
	}
}

// PushAudio enqueues a raw ADTS chunk for demultiplexing into AAC frames.
// Invalid ADTS data is dropped (counted in the wrapped Demuxer's Stats).
func (s *Filter) PushAudio(adts []byte, basePTSMicros int64) {
	frames, err := s.dm.DemuxAudio(adts)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range frames {
		s.audio = append(s.audio, pendingAudio{
			data:       f.Data,
			pts:        basePTSMicros,
			sampleRate: f.SampleRate,
			channels:   f.Channels,
		})
		s.Stats.RecordAudioFrame(0, int64(len(f.Data)), basePTSMicros, f.SampleRate, f.Channels)
	}
}

func (s *Filter) fill(dst map[int]*frame.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	progressed := false

	if d, ok := dst[s.VideoWriterID]; ok && len(s.video) > 0 {
		p := s.video[0]
		s.video = s.video[1:]
		d.Kind = frame.KindVideo
		d.Data = append(d.Data[:0], p.data...)
		d.Length = len(p.data)
		d.PTS = p.pts
		d.Video.IsKeyframe = p.keyframe
		d.Consumed = true
		progressed = true
	}

	if s.AudioWriterID != 0 {
		if d, ok := dst[s.AudioWriterID]; ok && len(s.audio) > 0 {
			p := s.audio[0]
			s.audio = s.audio[1:]
			d.Kind = frame.KindInterleavedAudio
			d.Data = append(d.Data[:0], p.data...)
			d.Length = len(p.data)
			d.PTS = p.pts
			d.Audio.SampleRate = p.sampleRate
			d.Audio.Channels = p.channels
			d.Consumed = true
			progressed = true
		}
	}

	return progressed
}
