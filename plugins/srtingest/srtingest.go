// Package srtingest wires an SRT transport connection (ingest/srt, built on
// zsiec/srtgo) into a plugins/demuxsource filter: with plugins/mpegtsingest,
// one of the two places in this repository where a raw network byte stream
// crosses into the pipeline substrate. The substrate itself stays transport-agnostic (spec.md §1
// non-goals exclude RTSP/RTP wire machinery); this package is the
// demonstration seam, not a pipeline component.
package srtingest

import (
	"bufio"
	"io"
	"log/slog"

	"github.com/zsiec/streamgraph/ingest"
	"github.com/zsiec/streamgraph/plugins/demuxsource"
)

// chunkSize bounds how many bytes are read from the ingest pipe before being
// handed to the demux source as one Annex B chunk. Real NAL boundaries don't
// align to this size; demuxsource.PushVideo re-synchronizes on start codes
// regardless of how the byte stream was chunked.
const chunkSize = 64 * 1024

// Pump copies bytes from an ingest.Stream's reader into src.PushVideo until
// the reader returns EOF or another error, the bridge a Registry's onStream callback runs in
// its own goroutine (see ingest.Registry.Register).
func Pump(log *slog.Logger, key string, r io.Reader, src *demuxsource.Filter, frameDurationMicros int64) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srtingest", "stream_key", key)

	br := bufio.NewReaderSize(r, chunkSize)
	buf := make([]byte, chunkSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			src.PushVideo(append([]byte(nil), buf[:n]...), frameDurationMicros)
		}
		if err != nil {
			if err != io.EOF {
				log.Warn("ingest pump stopped", "error", err)
			}
			return
		}
	}
}

// FormatFor reports the ingest.InputFormat this package expects to pump
// from, for callers registering a stream with ingest.Registry.
func FormatFor(codec string) ingest.InputFormat {
	if codec == "h265" {
		return ingest.FormatAnnexBH265
	}
	return ingest.FormatAnnexBH264
}
