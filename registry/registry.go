// Package registry provides the name-to-procedure lookup used by the
// executor, the workflow engine, and external transports. The registry is
// read-mostly: writes happen during load/reload and swap in a fresh map so
// readers always observe a consistent snapshot.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/procflow/procflow/procedure"
)

// ErrDuplicate indicates a registration conflict: the name is already taken
// by a procedure with a different contract.
var ErrDuplicate = errors.New("duplicate procedure name")

type (
	// Registry maps unique procedure names to procedures. All methods are
	// safe for concurrent use.
	Registry struct {
		mu    sync.RWMutex
		procs map[string]*procedure.Procedure
	}

	// Delta describes an atomic batch mutation produced by the library
	// loader when a file is (re)scanned. Either the whole delta applies or
	// none of it does.
	Delta struct {
		// Add registers procedures under names that must not be taken.
		Add []*procedure.Procedure
		// Update replaces procedures under names that must already exist.
		Update []*procedure.Procedure
		// Remove unregisters the named procedures. Unknown names are ignored.
		Remove []string
	}
)

// New constructs an empty registry.
func New() *Registry {
	return &Registry{procs: make(map[string]*procedure.Procedure)}
}

// Register adds a procedure. Registering the exact same contract twice is
// idempotent; a conflicting contract under a taken name fails with
// ErrDuplicate.
func (r *Registry) Register(p *procedure.Procedure) error {
	if p == nil {
		return errors.New("procedure is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.procs[p.Name()]; ok {
		if existing.Contract().Equivalent(p.Contract()) {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrDuplicate, p.Name())
	}
	next := clone(r.procs)
	next[p.Name()] = p
	r.procs = next
	return nil
}

// Get returns the procedure registered under name.
func (r *Registry) Get(name string) (*procedure.Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

// Has reports whether a procedure is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of registered procedures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// List returns all registered procedures sorted by name.
func (r *Registry) List() []*procedure.Procedure {
	r.mu.RLock()
	out := make([]*procedure.Procedure, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Visible returns the procedures visible to the given role, sorted by name.
// RoleWorkflowNode includes trigger procedures (the trigger role implies
// workflow-node visibility); RoleAPIEndpoint additionally requires external
// exposure.
func (r *Registry) Visible(role procedure.Role) []*procedure.Procedure {
	all := r.List()
	out := make([]*procedure.Procedure, 0, len(all))
	for _, p := range all {
		md := p.Metadata()
		visible := false
		switch role {
		case procedure.RoleWorkflowNode:
			visible = md.VisibleToWorkflow()
		case procedure.RoleAPIEndpoint:
			visible = md.VisibleToTransport()
		default:
			visible = md.HasRole(role)
		}
		if visible {
			out = append(out, p)
		}
	}
	return out
}

// Remove unregisters the procedure under name. Removing an unknown name is a
// no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[name]; !ok {
		return
	}
	next := clone(r.procs)
	delete(next, name)
	r.procs = next
}

// Apply validates the whole delta against the current snapshot and then
// swaps in the result atomically. On error the registry is unchanged.
func (r *Registry) Apply(delta Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := clone(r.procs)
	for _, p := range delta.Add {
		if p == nil {
			return errors.New("delta add: procedure is required")
		}
		if existing, ok := next[p.Name()]; ok && !existing.Contract().Equivalent(p.Contract()) {
			return fmt.Errorf("%w: %q", ErrDuplicate, p.Name())
		}
		next[p.Name()] = p
	}
	for _, p := range delta.Update {
		if p == nil {
			return errors.New("delta update: procedure is required")
		}
		if _, ok := next[p.Name()]; !ok {
			return fmt.Errorf("delta update: procedure %q is not registered", p.Name())
		}
		next[p.Name()] = p
	}
	for _, name := range delta.Remove {
		delete(next, name)
	}
	r.procs = next
	return nil
}

func clone(src map[string]*procedure.Procedure) map[string]*procedure.Procedure {
	dst := make(map[string]*procedure.Procedure, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
