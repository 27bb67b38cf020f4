package distribution

import (
	"testing"
	"time"

	"github.com/zsiec/streamgraph/demux"
)

func TestDemuxStatsSnapshotCountsFrames(t *testing.T) {
	t.Parallel()
	ds := NewDemuxStats()
	ds.RecordVideoCodec("h264")

	ds.RecordVideoFrame(1000, true, 0)
	ds.RecordVideoFrame(400, false, 33_000)
	ds.RecordVideoFrame(420, false, 66_000)

	ds.RecordAudioFrame(0, 200, 0, 48_000, 2)
	ds.RecordAudioFrame(0, 210, 21_333, 48_000, 2)

	video, audio, _, _ := ds.Snapshot()

	if video.Codec != "h264" {
		t.Errorf("video.Codec = %q, want h264", video.Codec)
	}
	if video.TotalFrames != 3 {
		t.Errorf("video.TotalFrames = %d, want 3", video.TotalFrames)
	}
	if video.KeyFrames != 1 {
		t.Errorf("video.KeyFrames = %d, want 1", video.KeyFrames)
	}
	if video.DeltaFrames != 2 {
		t.Errorf("video.DeltaFrames = %d, want 2", video.DeltaFrames)
	}
	if video.CurrentGOPLen != 3 {
		t.Errorf("video.CurrentGOPLen = %d, want 3", video.CurrentGOPLen)
	}
	if video.TotalBytes != 1820 {
		t.Errorf("video.TotalBytes = %d, want 1820", video.TotalBytes)
	}

	if len(audio) != 1 {
		t.Fatalf("len(audio) = %d, want 1", len(audio))
	}
	if audio[0].Frames != 2 {
		t.Errorf("audio[0].Frames = %d, want 2", audio[0].Frames)
	}
	if audio[0].TotalBytes != 410 {
		t.Errorf("audio[0].TotalBytes = %d, want 410", audio[0].TotalBytes)
	}
}

func TestDemuxStatsPTSWrapDetection(t *testing.T) {
	t.Parallel()
	ds := NewDemuxStats()

	ds.RecordVideoFrame(100, true, 90_000_000)
	// A large negative jump is a wrap, not an out-of-order frame.
	ds.RecordVideoFrame(100, false, 1_000)

	debug := ds.PTSDebug()
	if debug.VideoPTSWraps != 1 {
		t.Errorf("VideoPTSWraps = %d, want 1", debug.VideoPTSWraps)
	}
	if len(debug.RecentWraps) != 1 {
		t.Fatalf("len(RecentWraps) = %d, want 1", len(debug.RecentWraps))
	}
	if debug.RecentWraps[0].Track != "video" {
		t.Errorf("RecentWraps[0].Track = %q, want video", debug.RecentWraps[0].Track)
	}
}

func TestDemuxStatsRecordSCTE35AndCaptions(t *testing.T) {
	t.Parallel()
	ds := NewDemuxStats()

	ds.RecordSCTE35(demux.SCTE35Event{
		PTS:         12_345,
		CommandType: "time_signal",
		Description: "ad break start",
		ReceivedAt:  time.Now().UnixMilli(),
	})
	ds.RecordCaption(1)
	ds.RecordCaption(3)

	_, _, captions, scte35 := ds.Snapshot()

	if scte35.TotalEvents != 1 {
		t.Errorf("scte35.TotalEvents = %d, want 1", scte35.TotalEvents)
	}
	if len(scte35.Recent) != 1 || scte35.Recent[0].Description != "ad break start" {
		t.Errorf("scte35.Recent = %+v, want one event with description %q", scte35.Recent, "ad break start")
	}
	if captions.TotalFrames != 2 {
		t.Errorf("captions.TotalFrames = %d, want 2", captions.TotalFrames)
	}
	if len(captions.ActiveChannels) != 2 {
		t.Errorf("len(captions.ActiveChannels) = %d, want 2", len(captions.ActiveChannels))
	}
}

func TestDemuxStatsImplementsStatsRecorder(t *testing.T) {
	var _ demux.StatsRecorder = NewDemuxStats()
}
