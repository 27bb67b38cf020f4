// Package stream tracks the lifecycle of active live streams, pairing each
// stream key with the pipeline.Manager graph that processes it.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/streamgraph/distribution"
	"github.com/zsiec/streamgraph/pipeline"
)

// Stream represents one active live stream and the pipeline graph
// processing it.
type Stream struct {
	Key       string
	StartedAt time.Time
	Graph     *pipeline.Manager
	done      chan struct{}

	// Stats is set by the caller once the stream's source filter is wired
	// up; nil until then. Exposed here rather than buried in the pipeline
	// graph so logStatsUntil-style callers can snapshot it per stream key.
	Stats *distribution.DemuxStats
}

// Done returns a channel closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Manager manages the lifecycle of active streams, each backed by its own
// pipeline.Manager graph.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream with a fresh pipeline graph. Returns the
// stream and true if created, or nil and false if a stream with this key
// already exists.
func (m *Manager) Create(key string, maxConcurrency int64) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Graph:     pipeline.NewManager(maxConcurrency),
		done:      make(chan struct{}),
	}

	m.streams[key] = s
	m.log.Info("stream created", "key", key)
	return s, true
}

// Remove stops the stream's pipeline graph and removes it from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		if err := s.Graph.Stop(); err != nil {
			m.log.Warn("pipeline graph stopped with error", "key", key, "error", err)
		}
		close(s.done)
		m.log.Info("stream removed", "key", key)
	}
}

// Get returns the Stream for key, or false if not found.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// List returns all active streams.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	return streams
}
