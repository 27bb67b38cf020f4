package queue

import (
	"time"

	"github.com/zsiec/streamgraph/frame"
)

// BufferState reports an AudioCircularBuffer's fill level (spec.md §4.3).
type BufferState int

const (
	// BufferStateBuffering means reads return nil so downstream fillers
	// pre-roll instead of starving on partial data.
	BufferStateBuffering BufferState = iota
	BufferStateOK
	BufferStateFull
)

func (s BufferState) String() string {
	switch s {
	case BufferStateBuffering:
		return "buffering"
	case BufferStateOK:
		return "ok"
	case BufferStateFull:
		return "full"
	default:
		return "unknown"
	}
}

// Default buffering/full thresholds from spec.md §4.3, expressed as
// playout duration rather than a fixed sample count so they scale with
// sample rate; callers sizing a buffer smaller than these (e.g. tests)
// should pass tighter thresholds to NewAudioCircularBuffer.
const (
	DefaultBufferingSizeTime  = 500 * time.Millisecond
	DefaultFullThreshold      = 40 * time.Millisecond
)

// AudioCircularBuffer is a per-channel byte ring for planar audio, sized
// chMaxSamples×bytesPerSample per channel, with a shared byte counter and
// front/rear index (spec.md §4.3). It is bound one-to-one to its consuming
// filter.
type AudioCircularBuffer struct {
	channels       int
	sampleRate     int
	sampleFormat   frame.SampleFormat
	bytesPerSample int

	chMaxSamples int
	rings        [][]byte // one ring per channel, len == chMaxSamples*bytesPerSample

	front, rear int // byte offsets into each channel ring, identical across channels
	byteCounter int // bytes currently buffered per channel

	frontSampleIdx int64 // cumulative samples popped since the last sync reset
	syncTimestamp  int64 // microseconds

	tsDeviationThreshold time.Duration
	outputFrameSamples   int

	samplesBufferingThreshold int
	freeSamplesFullThreshold  int

	state BufferState
}

// NewAudioCircularBuffer constructs a buffer for the given channel count,
// sample rate/format, per-channel capacity (in samples), output framing
// size, and the timestamp-deviation threshold that triggers a resync
// flush. bufferingSize/fullThreshold set the BUFFERING→OK and →FULL
// transition points (spec.md §4.3); pass DefaultBufferingSizeTime/
// DefaultFullThreshold for production sizing.
func NewAudioCircularBuffer(channels, sampleRate int, sampleFormat frame.SampleFormat, chMaxSamples, outputFrameSamples int, tsDeviationThreshold, bufferingSize, fullThreshold time.Duration) *AudioCircularBuffer {
	bps := sampleFormat.BytesPerSample()
	if bps == 0 {
		bps = 1
	}
	b := &AudioCircularBuffer{
		channels:             channels,
		sampleRate:           sampleRate,
		sampleFormat:         sampleFormat,
		bytesPerSample:       bps,
		chMaxSamples:         chMaxSamples,
		rings:                make([][]byte, channels),
		outputFrameSamples:   outputFrameSamples,
		tsDeviationThreshold: tsDeviationThreshold,
		state:                BufferStateBuffering,
	}
	for i := range b.rings {
		b.rings[i] = make([]byte, chMaxSamples*bps)
	}
	b.samplesBufferingThreshold = samplesForDuration(bufferingSize, sampleRate)
	if b.samplesBufferingThreshold > chMaxSamples {
		b.samplesBufferingThreshold = chMaxSamples
	}
	b.freeSamplesFullThreshold = samplesForDuration(fullThreshold, sampleRate)
	return b
}

func samplesForDuration(d time.Duration, sampleRate int) int {
	return int(d.Seconds() * float64(sampleRate))
}

// bufferedSamples returns the number of samples currently held per channel.
func (b *AudioCircularBuffer) bufferedSamples() int {
	return b.byteCounter / b.bytesPerSample
}

// GetFreeSamples reports how many samples of free space remain per channel.
func (b *AudioCircularBuffer) GetFreeSamples() int {
	return b.chMaxSamples - b.bufferedSamples()
}

// State returns the buffer's current fill-level classification.
func (b *AudioCircularBuffer) State() BufferState { return b.state }

func (b *AudioCircularBuffer) updateState() {
	if b.byteCounter <= 0 {
		b.state = BufferStateBuffering
		return
	}
	if b.state == BufferStateBuffering && b.bufferedSamples() >= b.samplesBufferingThreshold {
		b.state = BufferStateOK
	}
	if b.GetFreeSamples() < b.freeSamplesFullThreshold {
		b.state = BufferStateFull
	} else if b.state == BufferStateFull {
		b.state = BufferStateOK
	}
}

// rearSampleIdx is the sample index, since the last sync reset, that the
// next pushed sample will occupy.
func (b *AudioCircularBuffer) rearSampleIdx() int64 {
	return b.frontSampleIdx + int64(b.bufferedSamples())
}

func (b *AudioCircularBuffer) expectedPTS(sampleIdx int64) int64 {
	return b.syncTimestamp + sampleIdx*1_000_000/int64(b.sampleRate)
}

func (b *AudioCircularBuffer) reset(pts int64) {
	b.front, b.rear, b.byteCounter = 0, 0, 0
	b.frontSampleIdx = 0
	b.syncTimestamp = pts
	b.state = BufferStateBuffering
}

// writeSamples writes count samples per channel at rear, wrapping at the
// channel ring boundary. data may be nil to write silence (zero fill).
func (b *AudioCircularBuffer) writeSamples(data [][]byte, count int) {
	n := count * b.bytesPerSample
	for ch := 0; ch < b.channels; ch++ {
		ring := b.rings[ch]
		ringLen := len(ring)
		var src []byte
		if data != nil {
			src = data[ch]
		}
		pos := b.rear
		for written := 0; written < n; {
			chunk := ringLen - pos
			if chunk > n-written {
				chunk = n - written
			}
			if src != nil {
				copy(ring[pos:pos+chunk], src[written:written+chunk])
			} else {
				for i := 0; i < chunk; i++ {
					ring[pos+i] = 0
				}
			}
			written += chunk
			pos = (pos + chunk) % ringLen
		}
	}
	b.rear = (b.rear + n) % len(b.rings[0])
	b.byteCounter += n
}

// ForcePushBack implements the write path from spec.md §4.3: it compares
// pts against the buffer's expected timestamp, resyncing (flush + reset)
// on excess deviation, silence-filling small timestamp gaps, then copying
// sampleCount samples per channel into the ring. Overflow beyond free
// space is discarded.
func (b *AudioCircularBuffer) ForcePushBack(buffers [][]byte, sampleCount int, pts int64) {
	expected := b.expectedPTS(b.rearSampleIdx())
	deviation := pts - expected
	if deviation < 0 {
		deviation = -deviation
	}
	if time.Duration(deviation)*time.Microsecond > b.tsDeviationThreshold {
		b.reset(pts)
		b.updateState()
		return
	}

	if gap := pts - expected; gap > 0 {
		gapSamples := int(gap * int64(b.sampleRate) / 1_000_000)
		if gapSamples > 0 {
			free := b.GetFreeSamples()
			if gapSamples > free {
				gapSamples = free
			}
			b.writeSamples(nil, gapSamples)
		}
	}

	free := b.GetFreeSamples()
	if sampleCount > free {
		sampleCount = free
	}
	if sampleCount > 0 {
		b.writeSamples(buffers, sampleCount)
	}
	b.updateState()
}

// readSamples copies count samples per channel starting at front into dst,
// without advancing front.
func (b *AudioCircularBuffer) readSamples(dst [][]byte, count int) {
	n := count * b.bytesPerSample
	for ch := 0; ch < b.channels; ch++ {
		ring := b.rings[ch]
		ringLen := len(ring)
		pos := b.front
		for read := 0; read < n; {
			chunk := ringLen - pos
			if chunk > n-read {
				chunk = n - read
			}
			copy(dst[ch][read:read+chunk], ring[pos:pos+chunk])
			read += chunk
			pos = (pos + chunk) % ringLen
		}
	}
}

func (b *AudioCircularBuffer) advanceFront(count int) {
	n := count * b.bytesPerSample
	b.front = (b.front + n) % len(b.rings[0])
	b.byteCounter -= n
	b.frontSampleIdx += int64(count)
	b.updateState()
}

// PopFront implements the generic read path: succeeds only if at least
// sampleCount samples are buffered, copying them out per channel and
// advancing front. Returns false without mutating state on underrun.
func (b *AudioCircularBuffer) PopFront(buffers [][]byte, sampleCount int) bool {
	if b.bufferedSamples() < sampleCount {
		return false
	}
	b.readSamples(buffers, sampleCount)
	b.advanceFront(sampleCount)
	return true
}

// GetFront returns a fixed-size output frame of outputFrameSamples samples
// starting at front, stamped with its logical presentation time, without
// advancing the ring. It returns ok=false while BufferStateBuffering holds
// (pre-roll) or if the ring holds fewer than outputFrameSamples samples.
func (b *AudioCircularBuffer) GetFront(buffers [][]byte) (pts int64, ok bool) {
	if b.state == BufferStateBuffering || b.bufferedSamples() < b.outputFrameSamples {
		return 0, false
	}
	b.readSamples(buffers, b.outputFrameSamples)
	return b.expectedPTS(b.frontSampleIdx), true
}

// RemoveFrame advances front past the most recently returned GetFront
// frame (outputFrameSamples samples).
func (b *AudioCircularBuffer) RemoveFrame() {
	b.advanceFront(b.outputFrameSamples)
}

// Channels, SampleRate, OutputFrameSamples expose the buffer's static
// configuration.
func (b *AudioCircularBuffer) Channels() int            { return b.channels }
func (b *AudioCircularBuffer) SampleRate() int           { return b.sampleRate }
func (b *AudioCircularBuffer) OutputFrameSamples() int   { return b.outputFrameSamples }
func (b *AudioCircularBuffer) SyncTimestamp() int64      { return b.syncTimestamp }
