// Package trigger bridges workflows with external event sources: the
// Subscriptions index tracks paused executions waiting for named events, and
// the Manager deploys trigger-bound workflow definitions and routes inbound
// events to waiting or new executions.
package trigger

import (
	"sort"
	"sync"
	"time"
)

type (
	// PausedExecution is one subscription entry: an execution suspended at an
	// await node together with the criteria a resuming event must satisfy.
	PausedExecution struct {
		// ExecutionID identifies the paused execution.
		ExecutionID string
		// WorkflowID identifies the workflow definition.
		WorkflowID string
		// PausedAt is the await node ID.
		PausedAt string
		// Provider and EventType are the resume criteria. An empty Provider
		// matches events from any provider.
		Provider  string
		EventType string
		// Filter, when set, must accept the event payload for the entry to
		// match. The engine closes it over the execution's variables.
		Filter func(payload map[string]any) bool
		// ResumeState is the serialized state needed to continue.
		ResumeState any
		// PausedSince records when the execution suspended.
		PausedSince time.Time
		// Deadline is the await timeout; zero means wait indefinitely.
		Deadline time.Time
		// WaitingFor lists the awaited event types, for observers.
		WaitingFor []string
	}

	// Subscriptions indexes paused executions by the events they await. All
	// methods are safe for concurrent use; resume operations on the same
	// execution are serialized through Claim.
	Subscriptions struct {
		mu      sync.Mutex
		entries map[string]*entry
	}

	// waiters counts resume claims blocked on the entry lock; the index
	// mutex guards it together with removed. A pending expiry checks the
	// count so a matching event always beats a simultaneous timeout.
	entry struct {
		mu      sync.Mutex
		paused  PausedExecution
		removed bool
		waiters int
	}
)

// NewSubscriptions constructs an empty index.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{entries: make(map[string]*entry)}
}

// Register adds a paused execution. A second registration for the same
// execution replaces the previous entry.
func (s *Subscriptions) Register(p PausedExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[p.ExecutionID] = &entry{paused: p}
}

// Remove drops the entry for executionID, if any.
func (s *Subscriptions) Remove(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[executionID]; ok {
		e.removed = true
		delete(s.entries, executionID)
	}
}

// Get returns the entry for executionID.
func (s *Subscriptions) Get(executionID string) (PausedExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[executionID]
	if !ok {
		return PausedExecution{}, false
	}
	return e.paused, true
}

// List returns all paused entries sorted by pause time ascending.
func (s *Subscriptions) List() []PausedExecution {
	s.mu.Lock()
	out := make([]PausedExecution, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.paused)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PausedSince.Before(out[j].PausedSince) })
	return out
}

// Match returns the paused executions awaiting (provider, eventType) whose
// filter accepts the payload. Entries that registered no provider match any
// provider. Entries whose filter rejects stay registered.
func (s *Subscriptions) Match(provider, eventType string, payload map[string]any) []PausedExecution {
	candidates := s.List()
	out := candidates[:0]
	for _, p := range candidates {
		if p.EventType != eventType {
			continue
		}
		if p.Provider != "" && provider != "" && p.Provider != provider {
			continue
		}
		if p.Filter != nil && !p.Filter(payload) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Due returns the entries whose deadline has passed at now, oldest first.
// Entries stay registered; callers route each through ClaimExpiry so an
// in-flight matching event wins the race.
func (s *Subscriptions) Due(now time.Time) []PausedExecution {
	all := s.List()
	out := all[:0]
	for _, p := range all {
		if !p.Deadline.IsZero() && !p.Deadline.After(now) {
			out = append(out, p)
		}
	}
	return out
}

// Claim takes the per-execution resume lock and returns the entry together
// with a release function. Passing remove=true to release drops the entry;
// remove=false keeps it registered (a rejected resume). Claim returns false
// when the execution is not paused or was already claimed and removed.
func (s *Subscriptions) Claim(executionID string) (PausedExecution, func(remove bool), bool) {
	s.mu.Lock()
	e, ok := s.entries[executionID]
	if ok {
		e.waiters++
	}
	s.mu.Unlock()
	if !ok {
		return PausedExecution{}, nil, false
	}
	e.mu.Lock()
	s.mu.Lock()
	e.waiters--
	removed := e.removed
	s.mu.Unlock()
	if removed {
		e.mu.Unlock()
		return PausedExecution{}, nil, false
	}
	return e.paused, s.releaseFunc(executionID, e), true
}

// ClaimExpiry takes the resume lock for a timeout expiry. Unlike Claim it
// returns false when another resume is waiting on the entry, so a matching
// event that arrived by the time the deadline fires always wins the tie.
func (s *Subscriptions) ClaimExpiry(executionID string) (PausedExecution, func(remove bool), bool) {
	s.mu.Lock()
	e, ok := s.entries[executionID]
	s.mu.Unlock()
	if !ok {
		return PausedExecution{}, nil, false
	}
	e.mu.Lock()
	s.mu.Lock()
	removed := e.removed
	pending := e.waiters > 0
	s.mu.Unlock()
	if removed || pending {
		e.mu.Unlock()
		return PausedExecution{}, nil, false
	}
	return e.paused, s.releaseFunc(executionID, e), true
}

func (s *Subscriptions) releaseFunc(executionID string, e *entry) func(remove bool) {
	return func(remove bool) {
		if remove {
			s.mu.Lock()
			e.removed = true
			// A resume may have re-registered the execution under a new
			// entry; only remove the one that was claimed.
			if cur, ok := s.entries[executionID]; ok && cur == e {
				delete(s.entries, executionID)
			}
			s.mu.Unlock()
		}
		e.mu.Unlock()
	}
}

// Len returns the number of paused entries.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
