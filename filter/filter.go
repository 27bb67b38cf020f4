// Package filter implements the pipeline's processing node: the base
// Filter (connection management, event queue, input-demand strategies)
// and its five shapes — OneToOne, OneToMany, ManyToOne, Head, Tail
// (spec.md §3 Filter, §4.5, §4.6).
package filter

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/zsiec/streamgraph/endpoint"
	"github.com/zsiec/streamgraph/frame"
	"github.com/zsiec/streamgraph/queue"
)

// Role distinguishes run-to-completion filters from periodic ones
// (spec.md §3 Filter).
type Role int

const (
	// RoleRegular runs to completion once per ready-frame-set.
	RoleRegular Role = iota
	// RoleServer runs periodically on its own cadence, possibly without
	// input frames, and always reports "no wait" regardless of whether
	// data moved.
	RoleServer
)

// DefaultID is returned by GenerateReaderID/GenerateWriterID when a
// filter's arity for that port is exactly one (spec.md §4.5).
const DefaultID = 0

// WaitDefault is the polling hint returned when an iteration made no
// progress (spec.md §4.5 step 6: "~1 ms polling hint").
const WaitDefault = time.Millisecond

// ConnData carries the negotiated stream parameters a filter's AllocQueue
// hook uses to size its output queue.
type ConnData struct {
	StreamInfo frame.StreamInfo
}

// Filter is the common state and connection machinery shared by every
// shape. Concrete shapes embed *Filter and supply AllocQueue plus their
// own typed doProcessFrame via composition, not inheritance.
type Filter struct {
	ID   int
	Role Role

	FrameTime         time.Duration // 0 = best effort
	ReferenceReaderID int           // 0 = none
	SyncMargin        time.Duration
	Periodic          bool

	// AllocQueue lets each concrete filter choose its output queue type
	// and capacity, parameterized by the negotiated stream info
	// (spec.md §4.5's virtual allocQueue).
	AllocQueue func(ConnData) queue.FrameQueue

	// ConfigureReader/ConfigureWriter are connect-time negotiation hooks
	// (original_source Filter.cpp's specificReaderConfig/
	// specificWriterConfig): a concrete filter may reject a connection by
	// returning false.
	ConfigureReader func(readerID int, q queue.FrameQueue) bool
	ConfigureWriter func(writerID int, q queue.FrameQueue) bool

	log *slog.Logger

	mu      sync.Mutex
	readers map[int]*endpoint.Reader
	writers map[int]*endpoint.Writer
	nextID  int

	events *eventDispatcher

	syncTs int64 // frame-time-paced strategy's running window start, microseconds

	// lastNewIDs is the set of reader ids whose origin frame was newly
	// observed in the current iteration, exposed to shape bodies that need
	// it (ManyToOneFilter, TailFilter) without widening runIteration's
	// callback signature.
	lastNewIDs []int
}

// New constructs a Filter with the given id and role. Concrete shapes call
// this from their own constructors.
func New(id int, role Role) *Filter {
	return &Filter{
		ID:      id,
		Role:    role,
		log:     slog.With("component", "filter", "filter_id", id),
		readers: make(map[int]*endpoint.Reader),
		writers: make(map[int]*endpoint.Writer),
		events:  newEventDispatcher(),
	}
}

// FilterID returns this filter's id, satisfying pipeline.Runnable.
func (f *Filter) FilterID() int { return f.ID }

// ReaderCount and WriterCount expose current connection arity, used by
// pipeline.Manager's path-arity validation.
func (f *Filter) ReaderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readers)
}

func (f *Filter) WriterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writers)
}

// RegisterHandler binds an event action name to a handler for this filter.
func (f *Filter) RegisterHandler(action string, h func(Event) bool) {
	f.events.RegisterHandler(action, h)
}

// PushEvent enqueues an event for this filter. Safe to call from any
// goroutine.
func (f *Filter) PushEvent(e Event) {
	f.events.PushEvent(e)
}

// GenerateReaderID returns DefaultID if singleInput, otherwise a random id
// unique among this filter's current readers (spec.md §4.5).
func (f *Filter) GenerateReaderID(singleInput bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if singleInput {
		return DefaultID
	}
	return f.uniqueIDLocked(f.readers)
}

// GenerateWriterID returns DefaultID if singleOutput, otherwise a random id
// unique among this filter's current writers.
func (f *Filter) GenerateWriterID(singleOutput bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if singleOutput {
		return DefaultID
	}
	return f.uniqueIDLocked(f.writers)
}

func (f *Filter) uniqueIDLocked(existing any) int {
	for {
		id := rand.Intn(1<<31-1) + 1
		var taken bool
		switch m := existing.(type) {
		case map[int]*endpoint.Reader:
			_, taken = m[id]
		case map[int]*endpoint.Writer:
			_, taken = m[id]
		}
		if !taken {
			return id
		}
	}
}

// Connect establishes an output on this filter (writerID) feeding an input
// on target (readerID): allocates a queue via this filter's AllocQueue,
// attaches a Writer here and a Reader on target, and runs both sides'
// configure hooks, rejecting the connection if either returns false
// (spec.md §4.5, §4.7).
func (f *Filter) Connect(writerID int, target *Filter, readerID int, connData ConnData) error {
	if f.AllocQueue == nil {
		return fmt.Errorf("filter %d: no AllocQueue configured", f.ID)
	}
	q := f.AllocQueue(connData)
	q.SetConnected(true)

	w := endpoint.NewWriter(f.ID, q)
	r := endpoint.NewReader(target.ID, q)

	if f.ConfigureWriter != nil && !f.ConfigureWriter(writerID, q) {
		return fmt.Errorf("filter %d: writer %d rejected by ConfigureWriter", f.ID, writerID)
	}
	if target.ConfigureReader != nil && !target.ConfigureReader(readerID, q) {
		return fmt.Errorf("filter %d: reader %d rejected by ConfigureReader", target.ID, readerID)
	}

	f.mu.Lock()
	f.writers[writerID] = w
	f.mu.Unlock()

	target.mu.Lock()
	target.readers[readerID] = r
	target.mu.Unlock()

	return nil
}

// ConnectOneToOne connects this filter's DefaultID writer to target's
// DefaultID reader.
func (f *Filter) ConnectOneToOne(target *Filter, connData ConnData) error {
	return f.Connect(DefaultID, target, DefaultID, connData)
}

// ConnectOneToMany connects writerID (generated by the caller) to target's
// DefaultID reader — used when this filter fans out to several targets.
func (f *Filter) ConnectOneToMany(writerID int, target *Filter, connData ConnData) error {
	return f.Connect(writerID, target, DefaultID, connData)
}

// ConnectManyToOne connects this filter's DefaultID writer to target's
// readerID — used when several upstream filters feed one target.
func (f *Filter) ConnectManyToOne(target *Filter, readerID int, connData ConnData) error {
	return f.Connect(DefaultID, target, readerID, connData)
}

// ConnectManyToMany connects writerID to target's readerID, both
// explicitly chosen by the caller.
func (f *Filter) ConnectManyToMany(writerID int, target *Filter, readerID int, connData ConnData) error {
	return f.Connect(writerID, target, readerID, connData)
}

// ShareReader attaches filterID as an additional sharer of this filter's
// reader readerID, so a second consumer observes the same queue
// independently (spec.md §4.4's reader sharing).
func (f *Filter) ShareReader(readerID int, filterID int) error {
	f.mu.Lock()
	r, ok := f.readers[readerID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("filter %d: no reader %d to share", f.ID, readerID)
	}
	r.Share(filterID)
	return nil
}

// DisconnectWriter detaches and disconnects the queue behind writerID.
func (f *Filter) DisconnectWriter(writerID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.writers[writerID]
	if !ok {
		return false
	}
	w.Disconnect()
	delete(f.writers, writerID)
	return true
}

// DisconnectReader detaches and disconnects the queue behind readerID.
func (f *Filter) DisconnectReader(readerID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.readers[readerID]
	if !ok {
		return false
	}
	r.Disconnect()
	delete(f.readers, readerID)
	return true
}

// State returns a JSON-friendly introspection snapshot (spec.md §9's
// supplemented getState), grouping per-reader and per-writer queue depth.
func (f *Filter) State() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	readers := make(map[string]any, len(f.readers))
	for id, r := range f.readers {
		readers[fmt.Sprint(id)] = map[string]any{
			"elements":    r.Queue().Elements(),
			"capacity":    r.Queue().Capacity(),
			"delayMicros": r.DelayMicros(),
			"dropped":     r.Dropped(),
		}
	}
	writers := make(map[string]any, len(f.writers))
	for id, w := range f.writers {
		writers[fmt.Sprint(id)] = map[string]any{
			"elements": w.Queue().Elements(),
			"capacity": w.Queue().Capacity(),
		}
	}
	role := "regular"
	if f.Role == RoleServer {
		role = "server"
	}
	return map[string]any{
		"id":      f.ID,
		"role":    role,
		"readers": readers,
		"writers": writers,
	}
}
