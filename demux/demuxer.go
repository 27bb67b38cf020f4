package demux

import (
	"fmt"
	"sync/atomic"
)

// Codec identifies which elementary-stream parser a Demuxer applies to a
// video chunk.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
)

// Stats holds the running counters a Demuxer exposes for diagnostics,
// mirroring the atomic-counter telemetry the teacher's pipeline keeps for
// forwarded/dropped frame counts.
type Stats struct {
	VideoNALUs    int64
	AudioFrames   int64
	VideoDecodeErr int64
	AudioDecodeErr int64
}

// Demuxer turns raw Annex B video and ADTS audio byte streams into parsed
// elementary-stream units (NALUnit, AACFrame), tracking throughput and
// error counts. It performs no container (MPEG-TS/RTP) demultiplexing
// itself — that machinery sits upstream, in whatever ingest transport
// feeds it a given codec's elementary stream.
type Demuxer struct {
	codec Codec

	videoNALUs     atomic.Int64
	audioFrames    atomic.Int64
	videoDecodeErr atomic.Int64
	audioDecodeErr atomic.Int64
}

// NewDemuxer creates a Demuxer for the given video codec.
func NewDemuxer(codec Codec) *Demuxer {
	return &Demuxer{codec: codec}
}

// DemuxVideo splits an Annex B chunk into NAL units using the configured
// codec's start-code/NAL-type rules.
func (d *Demuxer) DemuxVideo(annexB []byte) []NALUnit {
	var units []NALUnit
	switch d.codec {
	case CodecH265:
		units = ParseAnnexBHEVC(annexB)
	default:
		units = ParseAnnexB(annexB)
	}
	d.videoNALUs.Add(int64(len(units)))
	return units
}

// DemuxAudio splits an ADTS byte stream into AAC frames.
func (d *Demuxer) DemuxAudio(adts []byte) ([]AACFrame, error) {
	frames, err := ParseADTS(adts)
	if err != nil {
		d.audioDecodeErr.Add(1)
		return frames, fmt.Errorf("demux: parsing ADTS: %w", err)
	}
	d.audioFrames.Add(int64(len(frames)))
	return frames, nil
}

// Codec returns the video codec this Demuxer was configured for.
func (d *Demuxer) Codec() Codec {
	return d.codec
}

// IsVideoKeyframe reports whether nalType is a random-access point under
// the demuxer's configured codec.
func (d *Demuxer) IsVideoKeyframe(nalType byte) bool {
	if d.codec == CodecH265 {
		return IsHEVCKeyframe(nalType)
	}
	return IsKeyframe(nalType)
}

// Stats returns a snapshot of the running counters.
func (d *Demuxer) Stats() Stats {
	return Stats{
		VideoNALUs:     d.videoNALUs.Load(),
		AudioFrames:    d.audioFrames.Load(),
		VideoDecodeErr: d.videoDecodeErr.Load(),
		AudioDecodeErr: d.audioDecodeErr.Load(),
	}
}
