// Package pipeline implements PipelineManager: the graph builder,
// validator, and scheduler that wires filter.Filter instances into a
// running processing graph (spec.md §6 PipelineManager).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zsiec/streamgraph/filter"
)

// ErrUnknownFilter is returned when a path references a filter id that was
// never registered.
var ErrUnknownFilter = errors.New("pipeline: unknown filter id")

// ErrArityViolation is returned by CreatePath when a filter's position in
// the chain doesn't match its connection capability (spec.md §6: a head
// must have no readers, a tail no writers, intermediates both).
var ErrArityViolation = errors.New("pipeline: filter arity violation")

// Runnable is implemented by every filter shape (filter.OneToOneFilter,
// OneToManyFilter, ManyToOneFilter, HeadFilter, TailFilter): one iteration
// plus the scheduler wait hint it reports.
type Runnable interface {
	filter.ProcessFrame
	FilterID() int
}

type registration struct {
	base *filter.Filter
	run  Runnable
}

// Manager owns the filter registry, the connection graph, and the
// scheduler that drives every registered filter's ProcessFrame loop
// (spec.md §6 PipelineManager, §4.7 scheduling notes).
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	filters  map[int]*registration
	wake     map[int]chan struct{}
	outEdges map[int][]int // filterID -> downstream filter ids fed by its writers

	maxConcurrency int64
	sem            *semaphore.Weighted

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewManager constructs an empty graph. maxConcurrency bounds how many
// filters may be inside ProcessFrame at once (every filter still gets its
// own scheduler loop); 0 means unbounded.
func NewManager(maxConcurrency int64) *Manager {
	if maxConcurrency <= 0 {
		maxConcurrency = 1 << 20
	}
	return &Manager{
		log:            slog.With("component", "pipeline.manager"),
		filters:        make(map[int]*registration),
		wake:           make(map[int]chan struct{}),
		outEdges:       make(map[int][]int),
		maxConcurrency: maxConcurrency,
		sem:            semaphore.NewWeighted(maxConcurrency),
	}
}

// RegisterFilter adds a filter to the graph. base is the shape's embedded
// *filter.Filter (used for Connect/State/arity checks); run is usually the
// same shape value, satisfying Runnable via its ProcessFrame method.
func (m *Manager) RegisterFilter(base *filter.Filter, run Runnable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[base.ID] = &registration{base: base, run: run}
	m.wake[base.ID] = make(chan struct{}, 1)
}

// CreatePath validates and wires a linear chain of filter ids in order,
// connecting adjacent pairs with ConnectOneToOne and recording the
// downstream edge used by the scheduler's wake propagation. Every
// intermediate filter must end up with at least one reader and one writer;
// the first filter must take no reader (a source) and the last no writer
// (a sink) — spec.md §6's arity validation.
func (m *Manager) CreatePath(connData filter.ConnData, ids ...int) error {
	if len(ids) < 2 {
		return fmt.Errorf("pipeline: CreatePath needs at least 2 filters, got %d", len(ids))
	}

	regs := make([]*registration, len(ids))
	m.mu.Lock()
	for i, id := range ids {
		r, ok := m.filters[id]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrUnknownFilter, id)
		}
		regs[i] = r
	}
	m.mu.Unlock()

	for i := 0; i < len(regs)-1; i++ {
		a, b := regs[i].base, regs[i+1].base
		if err := a.ConnectOneToOne(b, connData); err != nil {
			return fmt.Errorf("pipeline: connecting filter %d -> %d: %w", a.ID, b.ID, err)
		}
		m.mu.Lock()
		m.outEdges[a.ID] = append(m.outEdges[a.ID], b.ID)
		m.mu.Unlock()
	}

	head, tail := regs[0].base, regs[len(regs)-1].base
	if head.ReaderCount() != 0 {
		return fmt.Errorf("%w: head filter %d has a reader", ErrArityViolation, head.ID)
	}
	if tail.WriterCount() != 0 {
		return fmt.Errorf("%w: tail filter %d has a writer", ErrArityViolation, tail.ID)
	}
	for _, r := range regs[1 : len(regs)-1] {
		if r.base.ReaderCount() == 0 || r.base.WriterCount() == 0 {
			return fmt.Errorf("%w: intermediate filter %d missing a reader or writer", ErrArityViolation, r.base.ID)
		}
	}
	return nil
}

// Start launches one cooperative scheduler goroutine per registered
// filter. Each loop calls ProcessFrame, sleeps the returned wait hint
// (or wakes early if a neighbor signaled progress), and repeats until ctx
// is canceled. Start returns immediately; call Wait to block for
// completion.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	eg, ctx := errgroup.WithContext(ctx)
	m.eg = eg

	m.mu.Lock()
	regs := make([]*registration, 0, len(m.filters))
	for _, r := range m.filters {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	for _, r := range regs {
		r := r
		eg.Go(func() error {
			return m.runFilter(ctx, r)
		})
	}
}

func (m *Manager) runFilter(ctx context.Context, r *registration) error {
	id := r.run.FilterID()
	wake := m.wake[id]
	log := m.log.With("filter_id", id)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wait := r.run.ProcessFrame(time.Now())
		m.sem.Release(1)
		if wait == 0 {
			m.signalDownstream(id)
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug("scheduler loop stopping")
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) signalDownstream(id int) {
	m.mu.Lock()
	downstream := m.outEdges[id]
	m.mu.Unlock()
	for _, d := range downstream {
		select {
		case m.wake[d] <- struct{}{}:
		default:
		}
	}
}

// Stop cancels every scheduler loop and waits for them to exit.
func (m *Manager) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	err := m.eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// State returns every registered filter's introspection snapshot, keyed by
// filter id as a string (spec.md §9's aggregate getState).
func (m *Manager) State() map[string]any {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.filters))
	for _, r := range m.filters {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	out := make(map[string]any, len(regs))
	for _, r := range regs {
		out[fmt.Sprint(r.base.ID)] = r.base.State()
	}
	return out
}
