package distribution

import (
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/zsiec/ccx"
	"github.com/zsiec/streamgraph/media"
)

// quicViewer adapts a single QUIC stream into a Viewer. Unlike the full MoQ
// session (one data stream per track), it multiplexes video, audio, and
// captions onto the one bidirectional stream negotiated by Server.negotiate,
// each behind its own moqWriter so object framing stays per-track.
type quicViewer struct {
	id     string
	stream quic.Stream

	videoWriter StreamFrameWriter
	audioWriter StreamFrameWriter
	capWriter   StreamFrameWriter

	videoCh chan *media.VideoFrame
	audioCh chan *media.AudioFrame
	capCh   chan *ccx.CaptionFrame
	done    chan struct{}

	damagedGroup atomic.Uint32

	videoSent, videoDropped     atomic.Int64
	audioSent, audioDropped     atomic.Int64
	captionSent, captionDropped atomic.Int64
	bytesSent                   atomic.Int64
	lastVideoTsMS, lastAudioTsMS atomic.Int64
}

func newQUICViewer(id string, stream quic.Stream) *quicViewer {
	v := &quicViewer{
		id:          id,
		stream:      stream,
		videoWriter: NewMoQWriter(uint64(TrackIDVideo), priorityVideo),
		audioWriter: NewMoQWriter(uint64(TrackIDAudioBase), priorityAudio),
		capWriter:   NewMoQWriter(uint64(TrackIDCaptions), priorityCaptions),
		videoCh:     make(chan *media.VideoFrame, media.VideoBufferSize),
		audioCh:     make(chan *media.AudioFrame, media.AudioBufferSize),
		capCh:       make(chan *ccx.CaptionFrame, media.CaptionBufferSize),
		done:        make(chan struct{}),
	}
	go v.pump()
	return v
}

func (v *quicViewer) ID() string { return v.id }

func (v *quicViewer) SendVideo(frame *media.VideoFrame) {
	trySendVideo(frame, v.videoCh, &v.damagedGroup, &v.videoSent, &v.videoDropped)
}

func (v *quicViewer) SendAudio(frame *media.AudioFrame) {
	select {
	case v.audioCh <- frame:
		v.audioSent.Add(1)
	default:
		v.audioDropped.Add(1)
	}
}

func (v *quicViewer) SendCaptions(frame *ccx.CaptionFrame) {
	select {
	case v.capCh <- frame:
		v.captionSent.Add(1)
	default:
		v.captionDropped.Add(1)
	}
}

func (v *quicViewer) Stats() ViewerStats {
	return ViewerStats{
		ID:             v.id,
		VideoSent:      v.videoSent.Load(),
		AudioSent:      v.audioSent.Load(),
		CaptionSent:    v.captionSent.Load(),
		VideoDropped:   v.videoDropped.Load(),
		AudioDropped:   v.audioDropped.Load(),
		CaptionDropped: v.captionDropped.Load(),
		BytesSent:      v.bytesSent.Load(),
		LastVideoTsMS:  v.lastVideoTsMS.Load(),
		LastAudioTsMS:  v.lastAudioTsMS.Load(),
	}
}

// Close stops the write pump. Safe to call more than once.
func (v *quicViewer) Close() {
	select {
	case <-v.done:
	default:
		close(v.done)
	}
}

// pump drains the three frame channels onto the QUIC stream in arrival
// order, lazily sending each track's stream header before its first object.
func (v *quicViewer) pump() {
	var videoHeaderSent, audioHeaderSent, capHeaderSent bool

	for {
		select {
		case <-v.done:
			return
		case f := <-v.videoCh:
			if !videoHeaderSent {
				if err := v.videoWriter.WriteStreamHeader(v.stream, TrackIDVideo, f.GroupID, 0); err != nil {
					v.Close()
					return
				}
				v.bytesSent.Add(v.videoWriter.StreamHeaderSize())
				videoHeaderSent = true
			}
			n, err := v.videoWriter.WriteVideoFrame(v.stream, f)
			if err != nil {
				v.Close()
				return
			}
			v.bytesSent.Add(n)
			v.lastVideoTsMS.Store(f.PTS / 1000)
		case f := <-v.audioCh:
			if !audioHeaderSent {
				if err := v.audioWriter.WriteStreamHeader(v.stream, TrackIDAudioBase, 0, 0); err != nil {
					v.Close()
					return
				}
				v.bytesSent.Add(v.audioWriter.StreamHeaderSize())
				audioHeaderSent = true
			}
			n, err := v.audioWriter.WriteAudioFrame(v.stream, f.Data, uint32(f.PTS/1000))
			if err != nil {
				v.Close()
				return
			}
			v.bytesSent.Add(n)
			v.lastAudioTsMS.Store(f.PTS / 1000)
		case f := <-v.capCh:
			if !capHeaderSent {
				if err := v.capWriter.WriteStreamHeader(v.stream, TrackIDCaptions, 0, 0); err != nil {
					v.Close()
					return
				}
				v.bytesSent.Add(v.capWriter.StreamHeaderSize())
				capHeaderSent = true
			}
			n, err := v.capWriter.WriteCaptionFrame(v.stream, []byte(f.Text), uint32(f.PTS/1000))
			if err != nil {
				v.Close()
				return
			}
			v.bytesSent.Add(n)
		}
	}
}
