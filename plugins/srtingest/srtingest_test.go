package srtingest

import (
	"io"
	"testing"
	"time"

	"github.com/zsiec/streamgraph/demux"
	"github.com/zsiec/streamgraph/ingest"
	"github.com/zsiec/streamgraph/plugins/demuxsource"
)

func TestPumpFeedsVideoIntoSource(t *testing.T) {
	src := demuxsource.New(1, demux.NewDemuxer(demux.CodecH264))

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xaa, 0xbb})
		pw.Close()
	}()

	done := make(chan struct{})
	go func() {
		Pump(nil, "test", pr, src, 33_000)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after EOF")
	}
}

func TestFormatForSelectsCodec(t *testing.T) {
	if got := FormatFor("h265"); got != ingest.FormatAnnexBH265 {
		t.Fatalf("FormatFor(h265) = %v, want FormatAnnexBH265", got)
	}
	if got := FormatFor("h264"); got != ingest.FormatAnnexBH264 {
		t.Fatalf("FormatFor(h264) = %v, want FormatAnnexBH264", got)
	}
}
