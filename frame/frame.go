// Package frame defines the media payload type that flows through the
// pipeline substrate: a bounded-lifetime unit owned by the FrameQueue slot
// it lives in, reused across commits rather than allocated per frame.
package frame

import "time"

// Kind tags which payload fields of a Frame are meaningful, replacing the
// dynamic_cast-based subtype dispatch of the original design with a single
// struct and a discriminant, the same way ingest.InputFormat tags container
// kinds elsewhere in this codebase.
type Kind uint8

// Supported frame kinds. A Frame's Kind never changes after the queue slot
// is constructed; only its payload contents are overwritten on each commit.
const (
	KindVideo Kind = iota
	KindPlanarAudio
	KindInterleavedAudio
	KindSlicedVideo
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindPlanarAudio:
		return "planar-audio"
	case KindInterleavedAudio:
		return "interleaved-audio"
	case KindSlicedVideo:
		return "sliced-video"
	default:
		return "unknown"
	}
}

// PixelFormat identifies a raw video sample layout.
type PixelFormat uint8

// Supported pixel formats (spec.md §6).
const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGB24
	PixelFormatRGB32
	PixelFormatYUYV422
	PixelFormatYUV420P
	PixelFormatYUV422P
	PixelFormatYUV444P
	PixelFormatYUVJ420P
)

// SampleFormat identifies a raw audio sample encoding.
type SampleFormat uint8

// Supported sample formats (spec.md §6). The P-suffixed formats are planar
// (one buffer per channel); the others are interleaved.
const (
	SampleFormatUnknown SampleFormat = iota
	SampleFormatU8
	SampleFormatS16
	SampleFormatFLT
	SampleFormatU8P
	SampleFormatS16P
	SampleFormatFLTP
)

// BytesPerSample returns the byte width of one sample in this format,
// regardless of planar/interleaved layout.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFormatU8, SampleFormatU8P:
		return 1
	case SampleFormatS16, SampleFormatS16P:
		return 2
	case SampleFormatFLT, SampleFormatFLTP:
		return 4
	default:
		return 0
	}
}

// Planar reports whether this sample format stores channels in separate
// buffers rather than interleaved.
func (f SampleFormat) Planar() bool {
	switch f {
	case SampleFormatU8P, SampleFormatS16P, SampleFormatFLTP:
		return true
	default:
		return false
	}
}

// Slice is one NAL-unit-sized piece of a SlicedVideoFrame. Data holds the
// slice's own payload and Length the number of valid bytes in it (see
// queue.SlicedVideoFrameQueue).
type Slice struct {
	Data   []byte
	Length int
}

// MaxSlices bounds the number of slices a single producer commit to a
// SlicedVideoFrameQueue may contain (spec.md §4.2).
const MaxSlices = 32

// Frame is the unit of media exchanged between filters. Its buffers are
// preallocated by the owning queue at construction and reused for the
// lifetime of the queue; producers overwrite Data/Planes/Slices in place
// rather than replacing the Frame object.
//
// Exactly one of Data, Planes, or Slices is meaningful, selected by Kind.
type Frame struct {
	Kind Kind

	// PTS is the presentation timestamp in microseconds, monotonic and
	// chosen by the producer.
	PTS int64
	// OriginTime is the wall-clock time (microseconds since Unix epoch) at
	// which the Writer committed this frame, or the time it left its
	// original source if the frame was passed through from upstream.
	OriginTime int64
	// Duration is the frame's playout duration.
	Duration time.Duration
	// Sequence is a monotonic per-writer counter stamped at commit time.
	Sequence uint64
	// Consumed is true once the producer has committed real data into this
	// slot for the current cycle, false when the slot was left skipped.
	Consumed bool

	// Length is the number of valid bytes currently held; MaxLength is the
	// slot's preallocated capacity, also in bytes (per plane for Planes).
	// Audio sample counts are not kept here.
	Length    int
	MaxLength int

	// Data backs KindVideo (coded bitstream or packed pixels) and
	// KindInterleavedAudio (interleaved PCM).
	Data []byte

	// Planes backs KindPlanarAudio: one buffer per channel.
	Planes [][]byte

	// Slices backs KindSlicedVideo: one entry per NAL-unit-sized region
	// written by the producer in a single commit.
	Slices []Slice

	Video VideoMeta
	Audio AudioMeta
}

// VideoMeta carries the geometry/codec descriptors meaningful to KindVideo
// and KindSlicedVideo frames.
type VideoMeta struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
	Codec       string
	IsKeyframe  bool
}

// AudioMeta carries the format descriptors meaningful to KindPlanarAudio and
// KindInterleavedAudio frames.
type AudioMeta struct {
	Channels     int
	SampleRate   int
	SampleFormat SampleFormat
	Samples      int
	Codec        string
}

// Reset clears the consumed flag and length without releasing the
// underlying buffers, so the slot is ready for the next producer commit.
func (f *Frame) Reset() {
	f.Consumed = false
	f.Length = 0
	for i := range f.Planes {
		f.Planes[i] = f.Planes[i][:0]
	}
	f.Slices = f.Slices[:0]
}
