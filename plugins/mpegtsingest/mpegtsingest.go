// Package mpegtsingest wires the mpegts container demuxer into a
// plugins/demuxsource filter: the FormatMPEGTS counterpart to
// plugins/srtingest's raw-elementary-stream pump. PAT/PMT discovery picks
// out the H.264/H.265 video PID, the AAC audio PID, and the SCTE-35 splice
// PID; each PES unit on those PIDs is handed to demuxsource as a
// PushVideo/PushAudio chunk, or decoded into a demux.SCTE35Event and
// recorded on src.Stats.
package mpegtsingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/streamgraph/demux"
	"github.com/zsiec/streamgraph/mpegts"
	"github.com/zsiec/streamgraph/plugins/demuxsource"
	"github.com/zsiec/streamgraph/scte35"
)

// Elementary stream type values assigned by ISO/IEC 13818-1 Table 2-34 that
// this adapter recognizes. 0x86 (SCTE 35, per ANSI/SCTE 97) is a
// registered private stream type, not part of the base ISO/IEC table.
const (
	streamTypeH264   = 0x1B
	streamTypeH265   = 0x24
	streamTypeAAC    = 0x0F
	streamTypeSCTE35 = 0x86
)

// Pump reads MPEG-TS packets from r and demultiplexes them into src's video
// and audio ports until EOF or ctx cancellation. PTS recovery from the PES
// header is left to a future demuxsource API that accepts absolute
// timestamps; for now each video PES unit is pushed with the same synthetic
// frame-duration pacing plugins/srtingest uses for raw elementary streams,
// and each audio PES unit with a base PTS of 0.
// SCTE-35 splice_info_sections are decoded and recorded on src.Stats as
// they arrive, independent of that pacing.
func Pump(ctx context.Context, log *slog.Logger, key string, r io.Reader, src *demuxsource.Filter, frameDurationMicros int64) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mpegtsingest", "stream_key", key)

	dmx := mpegts.NewDemuxer(ctx, r)

	var videoPID, audioPID, scte35PID uint16
	var videoStreamType uint8

	for {
		data, err := dmx.NextData()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("mpegts pump stopped", "error", err)
			}
			return
		}

		switch {
		case data.PMT != nil:
			for _, es := range data.PMT.ElementaryStreams {
				switch es.StreamType {
				case streamTypeH264, streamTypeH265:
					videoPID = es.ElementaryPID
					videoStreamType = es.StreamType
				case streamTypeAAC:
					audioPID = es.ElementaryPID
				case streamTypeSCTE35:
					scte35PID = es.ElementaryPID
				}
			}
			if videoPID != 0 {
				log.Debug("PMT parsed", "video_pid", videoPID, "audio_pid", audioPID,
					"video_stream_type", videoStreamType, "scte35_pid", scte35PID)
			}

		case data.PES != nil:
			switch data.FirstPacket.Header.PID {
			case videoPID:
				src.PushVideo(data.PES.Data, frameDurationMicros)
			case audioPID:
				src.PushAudio(data.PES.Data, 0)
			case scte35PID:
				recordSCTE35(log, src, data.PES)
			}
		}
	}
}

// recordSCTE35 decodes a splice_info_section carried directly as a PES
// payload (stream_type 0x86 has no further framing beyond the PES header)
// and records it on src.Stats for the stats snapshot.
func recordSCTE35(log *slog.Logger, src *demuxsource.Filter, pes *mpegts.PESData) {
	sis, err := scte35.DecodeBytes(pes.Data)
	if err != nil {
		log.Warn("failed to decode SCTE-35 splice_info_section", "error", err)
		return
	}

	var pts int64
	if pes.Header.OptionalHeader != nil && pes.Header.OptionalHeader.PTS != nil {
		pts = pes.Header.OptionalHeader.PTS.Base
	}

	event := demux.SCTE35Event{
		PTS:        pts,
		ReceivedAt: time.Now().UnixMilli(),
	}

	switch cmd := sis.SpliceCommand.(type) {
	case *scte35.SpliceInsert:
		event.CommandType = "splice_insert"
		event.CommandTypeID = cmd.Type()
		event.EventID = cmd.SpliceEventID
		event.OutOfNetwork = cmd.OutOfNetworkIndicator
		event.Immediate = cmd.SpliceImmediateFlag
		if cmd.BreakDuration != nil {
			event.Duration = float64(cmd.BreakDuration.Duration) / 90_000
		}
		event.Description = "splice insert"
	case *scte35.TimeSignal:
		event.CommandType = "time_signal"
		event.CommandTypeID = cmd.Type()
		event.Description = "time signal"
	default:
		event.CommandType = "splice_null"
		if sis.SpliceCommand != nil {
			event.CommandTypeID = sis.SpliceCommand.Type()
		}
		event.Description = "splice null"
	}

	for _, d := range sis.SpliceDescriptors {
		sd, ok := d.(*scte35.SegmentationDescriptor)
		if !ok {
			continue
		}
		event.SegmentationType = sd.Name()
		event.SegmentationTypeID = sd.SegmentationTypeID
		if sd.SegmentationDuration != nil {
			event.Duration = float64(*sd.SegmentationDuration) / 90_000
		}
		event.Description = sd.Name()
		break
	}

	log.Info("SCTE-35 event", "command", event.CommandType, "description", event.Description, "pts", event.PTS)
	src.Stats.RecordSCTE35(event)
}
