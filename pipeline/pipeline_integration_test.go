package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/ccx"
	"github.com/zsiec/streamgraph/demux"
	"github.com/zsiec/streamgraph/distribution"
	"github.com/zsiec/streamgraph/filter"
	"github.com/zsiec/streamgraph/frame"
	"github.com/zsiec/streamgraph/media"
	"github.com/zsiec/streamgraph/plugins/demuxsource"
	"github.com/zsiec/streamgraph/plugins/relaysink"
)

// testViewer implements distribution.Viewer to collect frames from the relay.
type testViewer struct {
	id       string
	mu       sync.Mutex
	videos   []*media.VideoFrame
	audios   []*media.AudioFrame
	captions []*ccx.CaptionFrame

	videoSent      atomic.Int64
	audioSent      atomic.Int64
	captionSent    atomic.Int64
	videoDropped   atomic.Int64
	audioDropped   atomic.Int64
	captionDropped atomic.Int64
}

func (v *testViewer) ID() string { return v.id }

func (v *testViewer) SendVideo(frame *media.VideoFrame) {
	v.mu.Lock()
	v.videos = append(v.videos, frame)
	v.mu.Unlock()
	v.videoSent.Add(1)
}

func (v *testViewer) SendAudio(frame *media.AudioFrame) {
	v.mu.Lock()
	v.audios = append(v.audios, frame)
	v.mu.Unlock()
	v.audioSent.Add(1)
}

func (v *testViewer) SendCaptions(frame *ccx.CaptionFrame) {
	v.mu.Lock()
	v.captions = append(v.captions, frame)
	v.mu.Unlock()
	v.captionSent.Add(1)
}

func (v *testViewer) Stats() distribution.ViewerStats {
	return distribution.ViewerStats{
		ID:             v.id,
		VideoSent:      v.videoSent.Load(),
		AudioSent:      v.audioSent.Load(),
		CaptionSent:    v.captionSent.Load(),
		VideoDropped:   v.videoDropped.Load(),
		AudioDropped:   v.audioDropped.Load(),
		CaptionDropped: v.captionDropped.Load(),
	}
}

func (v *testViewer) videoCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.videos)
}

func (v *testViewer) audioCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.audios)
}

func (v *testViewer) hasKeyframe() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, f := range v.videos {
		if f.IsKeyframe {
			return true
		}
	}
	return false
}

func adtsFrame(payload []byte) []byte {
	frameLen := 7 + len(payload)
	header := make([]byte, 7)
	header[0] = 0xFF
	header[1] = 0xF1
	header[2] = (1 << 6) | (3 << 2)
	header[3] = (2 << 6) | byte((frameLen>>11)&0x03)
	header[4] = byte((frameLen >> 3) & 0xFF)
	header[5] = byte((frameLen&0x07)<<5) | 0x1F
	header[6] = 0xFC
	return append(header, payload...)
}

// TestIntegration_H264AndAACToViewer feeds synthetic Annex B H.264 and ADTS
// AAC data through the full graph (demuxsource → Manager → relaysink →
// Relay → Viewer) and verifies video and audio frames arrive at the viewer.
func TestIntegration_H264AndAACToViewer(t *testing.T) {
	relay := distribution.NewRelay()
	viewer := &testViewer{id: "integration-viewer"}
	relay.AddViewer(viewer)

	src := demuxsource.NewWithAudio(1, demux.NewDemuxer(demux.CodecH264))
	sink := relaysink.NewWithAudio(2, relay, "h264")

	m := NewManager(0)
	m.RegisterFilter(src.Filter, src)
	m.RegisterFilter(sink.Filter, sink)

	// CreatePath only links default ports; the two-track filters use
	// generated port ids, so each track is connected explicitly.
	if err := src.Connect(src.VideoWriterID, sink.Filter, sink.VideoReaderID, filter.ConnData{}); err != nil {
		t.Fatalf("Connect(video) = %v", err)
	}
	audioConn := filter.ConnData{StreamInfo: frame.StreamInfo{Type: frame.StreamTypeAudio}}
	if err := src.Connect(src.AudioWriterID, sink.Filter, sink.AudioReaderID, audioConn); err != nil {
		t.Fatalf("Connect(audio) = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	sps := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1e}
	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa, 0xbb}
	delta := []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0xcc, 0xdd}
	src.PushVideo(append(append([]byte{}, sps...), idr...), 33_367)
	src.PushVideo(delta, 33_367)
	src.PushAudio(adtsFrame([]byte{0xDE, 0xAD, 0xBE, 0xEF}), 0)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if viewer.videoCount() >= 2 && viewer.audioCount() >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := viewer.videoCount(); got < 2 {
		t.Fatalf("viewer got %d video frames, want at least 2", got)
	}
	if got := viewer.audioCount(); got < 1 {
		t.Fatalf("viewer got %d audio frames, want at least 1", got)
	}
	if !viewer.hasKeyframe() {
		t.Error("expected at least one keyframe in video frames")
	}
}

// TestIntegration_LateJoinGOPReplay feeds a keyframe through the graph, then
// adds a late-joining viewer and verifies it receives a GOP replay.
func TestIntegration_LateJoinGOPReplay(t *testing.T) {
	relay := distribution.NewRelay()

	src := demuxsource.New(1, demux.NewDemuxer(demux.CodecH264))
	sink := relaysink.New(2, relay, "h264")

	m := NewManager(0)
	m.RegisterFilter(src.Filter, src)
	m.RegisterFilter(sink.Filter, sink)
	if err := m.CreatePath(filter.ConnData{}, 1, 2); err != nil {
		t.Fatalf("CreatePath() = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Start(ctx)

	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa, 0xbb}
	src.PushVideo(idr, 33_367)

	probe := make(chan *media.VideoFrame, 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && relay.ReplayFullGOPToChannel(probe) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	<-probe
	m.Stop()

	lateViewer := &testViewer{id: "late-joiner"}
	relay.AddViewer(lateViewer)

	if lateViewer.videoCount() == 0 {
		t.Fatal("late-joining viewer got 0 frames from GOP replay")
	}
	if !lateViewer.videos[0].IsKeyframe {
		t.Error("first frame of GOP replay should be a keyframe")
	}
}
