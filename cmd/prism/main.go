package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/streamgraph/certs"
	"github.com/zsiec/streamgraph/demux"
	"github.com/zsiec/streamgraph/distribution"
	"github.com/zsiec/streamgraph/filter"
	"github.com/zsiec/streamgraph/ingest"
	srt "github.com/zsiec/streamgraph/ingest/srt"
	"github.com/zsiec/streamgraph/plugins/demuxsource"
	"github.com/zsiec/streamgraph/plugins/mpegtsingest"
	"github.com/zsiec/streamgraph/plugins/relaysink"
	"github.com/zsiec/streamgraph/plugins/srtingest"
	"github.com/zsiec/streamgraph/stream"
)

var version = "dev"

// defaultFrameDurationMicros spaces PushVideo's internally-assigned PTS
// values as if the source were 29.97fps; ingest transports that carry real
// timestamps should recover PTS themselves rather than rely on this.
const defaultFrameDurationMicros = 33_367

// maxFilterConcurrency bounds how many of a stream's filters may be inside
// ProcessFrame at once. A two-filter graph (source, sink) never needs
// more than 2; left generous for graphs plugins grow in the future.
const maxFilterConcurrency = 8

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	a := &app{
		mgr: stream.NewManager(slog.Default()),
	}

	quicAddr := envOr("QUIC_ADDR", ":4443")
	srtAddr := envOr("SRT_ADDR", ":6000")

	distSrv, err := distribution.NewServer(distribution.ServerConfig{
		Addr: quicAddr,
		Cert: cert,
	})
	if err != nil {
		slog.Error("failed to create distribution server", "error", err)
		os.Exit(1)
	}
	a.distSrv = distSrv

	slog.Info("prism starting",
		"version", version,
		"srt", srtAddr,
		"quic", quicAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	a.registry = ingest.NewRegistry(func(key string, input io.Reader, format ingest.InputFormat) {
		a.handleNewStream(ctx, key, input, format)
	})
	a.srtCaller = srt.NewCaller(a.registry, ingest.FormatAnnexBH264, nil)

	srtSrv := srt.NewServer(srtAddr, a.registry, ingest.FormatAnnexBH264, nil)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		return a.distSrv.Start(ctx)
	})

	g.Go(func() error {
		a.logStatsUntil(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srt.Caller
	distSrv   *distribution.Server
}

// handleNewStream is the ingest.Registry onStream callback: it builds a
// pipeline graph for the stream (demuxsource -> relaysink), starts it, and
// pumps the ingest byte stream into the source until EOF.
func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader, format ingest.InputFormat) {
	slog.Info("new stream from ingest", "key", key, "format", format)

	st, created := a.mgr.Create(key, maxFilterConcurrency)
	if !created {
		slog.Warn("rejecting duplicate stream connection", "key", key)
		return
	}
	defer a.teardownStream(key)

	relay := a.distSrv.RegisterStream(key)

	const codec = "h264"
	src := demuxsource.New(1, demux.NewDemuxer(demux.CodecH264))
	sink := relaysink.New(2, relay, codec)
	st.Stats = src.Stats

	st.Graph.RegisterFilter(src.Filter, src)
	st.Graph.RegisterFilter(sink.Filter, sink)
	if err := st.Graph.CreatePath(filter.ConnData{}, 1, 2); err != nil {
		slog.Error("pipeline wiring failed", "stream", key, "error", err)
		return
	}

	st.Graph.Start(ctx)
	if format == ingest.FormatMPEGTS {
		mpegtsingest.Pump(ctx, nil, key, input, src, defaultFrameDurationMicros)
	} else {
		srtingest.Pump(nil, key, input, src, defaultFrameDurationMicros)
	}

	slog.Info("stream ended", "key", key)
}

// teardownStream removes all resources for a stream across the
// distribution server and stream manager in a single call.
func (a *app) teardownStream(key string) {
	a.distSrv.UnregisterStream(key)
	a.mgr.Remove(key)
}

// logStatsUntil periodically logs ingest and viewer counts for every active
// stream, the lightweight stand-in for the teacher's per-stream stats
// overlay (no HTTP dashboard in this build).
func (a *app) logStatsUntil(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range a.mgr.List() {
				ingestStream, ok := a.registry.Get(st.Key)
				if !ok {
					continue
				}
				stats := ingestStream.Stats()
				relay := a.distSrv.GetRelay(st.Key)
				viewers := 0
				if relay != nil {
					viewers = relay.ViewerCount()
				}
				fields := []any{
					"key", st.Key,
					"bytes", stats.BytesReceived,
					"reads", stats.ReadCount,
					"uptime_ms", stats.UptimeMs,
					"viewers", viewers,
				}
				if st.Stats != nil {
					video, audio, _, scte35 := st.Stats.Snapshot()
					fields = append(fields,
						"video_frames", video.TotalFrames,
						"video_keyframes", video.KeyFrames,
						"video_fps", video.FrameRate,
						"video_kbps", video.BitrateKbps,
						"audio_tracks", len(audio),
						"scte35_events", scte35.TotalEvents,
					)
				}
				slog.Info("stream stats", fields...)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
