// Package inmem provides the default in-memory execution store: a bounded
// FIFO keyed by execution ID. Records are defensively copied on read so
// observers never share state with the engine. Use this for single-process
// deployments and tests; durable backends implement execution.Store.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/procflow/procflow/execution"
	"github.com/procflow/procflow/trace"
)

// DefaultCapacity is the retention bound applied when none is configured.
const DefaultCapacity = 100

type (
	// Store implements execution.Store in memory with bounded retention. On
	// overflow the oldest terminal record is evicted; live (running or
	// paused) records are never evicted until they terminate.
	Store struct {
		mu       sync.RWMutex
		capacity int
		records  map[string]*execution.Record
		order    []string
		clock    func() time.Time
	}

	// Option configures a Store.
	Option func(*Store)
)

// WithCapacity overrides the retention bound.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New constructs an empty store with the default capacity.
func New(opts ...Option) *Store {
	s := &Store{
		capacity: DefaultCapacity,
		records:  make(map[string]*execution.Record),
		clock:    time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Start registers an execution as running. A second Start for a known
// execution (resume) flips it back to running and keeps the original start
// time.
func (s *Store) Start(_ context.Context, executionID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[executionID]; ok {
		rec.Status = execution.StatusRunning
		rec.EndedAt = time.Time{}
		return nil
	}
	s.records[executionID] = &execution.Record{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      execution.StatusRunning,
		StartedAt:   s.clock(),
		Outputs:     make(map[string]any),
		Nodes:       make(map[string]*execution.NodeDetail),
	}
	s.order = append(s.order, executionID)
	s.evictLocked()
	return nil
}

// UpdateNode upserts per-node detail for a live execution. Updates for
// unknown executions are dropped.
func (s *Store) UpdateNode(_ context.Context, executionID string, detail execution.NodeDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[executionID]
	if !ok {
		return nil
	}
	d := detail
	d.Input = cloneMap(detail.Input)
	d.Output = cloneMap(detail.Output)
	rec.Nodes[detail.NodeID] = &d
	if detail.Output != nil {
		rec.Outputs[detail.NodeID] = cloneMap(detail.Output)
	}
	return nil
}

// Complete records the terminal or paused state of an execution.
func (s *Store) Complete(_ context.Context, executionID string, c execution.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[executionID]
	if !ok {
		return nil
	}
	rec.Status = c.Status
	if c.Outputs != nil {
		rec.Outputs = cloneMap(c.Outputs)
	}
	if c.NodesExecuted != nil {
		rec.NodesExecuted = append([]string(nil), c.NodesExecuted...)
	}
	if c.Spans != nil {
		rec.Spans = c.Spans
	}
	rec.Error = c.Error
	if c.Status.Terminal() {
		rec.EndedAt = s.clock()
	}
	s.evictLocked()
	return nil
}

// Get returns a defensive copy of the record for executionID.
func (s *Store) Get(_ context.Context, executionID string) (execution.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[executionID]
	if !ok {
		return execution.Record{}, false
	}
	return cloneRecord(rec), true
}

// List returns all records sorted by start time descending.
func (s *Store) List(_ context.Context) []execution.Record {
	s.mu.RLock()
	out := make([]execution.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ListForWorkflow returns the records for one workflow definition, sorted by
// start time descending.
func (s *Store) ListForWorkflow(ctx context.Context, workflowID string) []execution.Record {
	all := s.List(ctx)
	out := all[:0]
	for _, rec := range all {
		if rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out
}

// Stats summarizes the store contents.
func (s *Store) Stats(_ context.Context) execution.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st execution.Stats
	st.Total = len(s.records)
	for _, rec := range s.records {
		switch rec.Status {
		case execution.StatusCompleted:
			st.Completed++
		case execution.StatusFailed, execution.StatusCancelled:
			st.Failed++
		case execution.StatusRunning:
			st.Running++
		case execution.StatusPaused:
			st.Paused++
		}
	}
	return st
}

// Clear drops every record.
func (s *Store) Clear(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*execution.Record)
	s.order = nil
}

// evictLocked drops the oldest terminal records until the store fits its
// capacity. Live records are skipped.
func (s *Store) evictLocked() {
	if len(s.records) <= s.capacity {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if len(s.records) > s.capacity && rec.Status.Terminal() {
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func cloneRecord(rec *execution.Record) execution.Record {
	out := *rec
	out.Outputs = cloneMap(rec.Outputs)
	out.NodesExecuted = append([]string(nil), rec.NodesExecuted...)
	if rec.Nodes != nil {
		out.Nodes = make(map[string]*execution.NodeDetail, len(rec.Nodes))
		for id, d := range rec.Nodes {
			nd := *d
			nd.Input = cloneMap(d.Input)
			nd.Output = cloneMap(d.Output)
			out.Nodes[id] = &nd
		}
	}
	if rec.Spans != nil {
		out.Spans = append([]*trace.Span(nil), rec.Spans...)
	}
	return out
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
