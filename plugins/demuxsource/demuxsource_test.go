package demuxsource

import (
	"testing"
	"time"

	"github.com/zsiec/streamgraph/demux"
	"github.com/zsiec/streamgraph/filter"
	"github.com/zsiec/streamgraph/frame"
)

func TestFilterPushVideoFeedsDownstream(t *testing.T) {
	src := New(1, demux.NewDemuxer(demux.CodecH264))

	sink := filter.NewTailFilter(2, filter.RoleRegular)
	var got *frame.Frame
	sink.DoProcessFrame = func(org map[int]*frame.Frame, newIDs []int) bool {
		o := org[filter.DefaultID]
		if o == nil || len(newIDs) == 0 {
			return false
		}
		cp := *o
		got = &cp
		return true
	}

	if err := src.Connect(src.VideoWriterID, sink.Filter, filter.DefaultID, filter.ConnData{}); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa, 0xbb}
	src.PushVideo(idr, 33_000)

	if wait := src.ProcessFrame(time.Now()); wait != 0 {
		t.Fatalf("source ProcessFrame() wait = %v, want 0", wait)
	}
	if wait := sink.ProcessFrame(time.Now()); wait != 0 {
		t.Fatalf("sink ProcessFrame() wait = %v, want 0", wait)
	}
	if got == nil {
		t.Fatal("sink never observed a frame")
	}
	if !got.Video.IsKeyframe {
		t.Error("got.Video.IsKeyframe = false for an IDR slice")
	}

	video, _, _, _ := src.Stats.Snapshot()
	if video.TotalFrames != 1 {
		t.Errorf("Stats video TotalFrames = %d, want 1", video.TotalFrames)
	}
	if video.KeyFrames != 1 {
		t.Errorf("Stats video KeyFrames = %d, want 1", video.KeyFrames)
	}
	if video.Codec != "h264" {
		t.Errorf("Stats video Codec = %q, want h264", video.Codec)
	}
}

func TestFilterWithAudioFillsOnlyReadyPort(t *testing.T) {
	src := NewWithAudio(1, demux.NewDemuxer(demux.CodecH264))
	if src.AudioWriterID == 0 {
		t.Fatal("AudioWriterID unset on an audio-carrying source")
	}

	videoSink := filter.NewTailFilter(2, filter.RoleRegular)
	videoSink.DoProcessFrame = func(org map[int]*frame.Frame, newIDs []int) bool { return len(newIDs) > 0 }
	if err := src.Connect(src.VideoWriterID, videoSink.Filter, filter.DefaultID, filter.ConnData{}); err != nil {
		t.Fatalf("Connect(video) = %v", err)
	}

	audioSink := filter.NewTailFilter(3, filter.RoleRegular)
	var audioSeen bool
	audioSink.DoProcessFrame = func(org map[int]*frame.Frame, newIDs []int) bool {
		if len(newIDs) > 0 {
			audioSeen = true
		}
		return len(newIDs) > 0
	}
	if err := src.Connect(src.AudioWriterID, audioSink.Filter, filter.DefaultID, filter.ConnData{}); err != nil {
		t.Fatalf("Connect(audio) = %v", err)
	}

	// Only video is pushed this round; the source must not fabricate an
	// audio frame just because HeadFilter's contract allows multiple ports.
	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa, 0xbb}
	src.PushVideo(idr, 33_000)
	src.ProcessFrame(time.Now())
	audioSink.ProcessFrame(time.Now())

	if audioSeen {
		t.Error("audio sink observed a frame despite no audio being pushed")
	}
}
