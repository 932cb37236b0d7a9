// Package library discovers workflow definitions from a directory tree and
// holds the process's procedure and workflow catalogs. Workflow definitions
// live in JSON or YAML documents; procedures are contributed
// programmatically since handlers are code. The per-file index supports
// incremental reloads: re-scanning a file produces an add/update/remove
// delta that applies atomically, and one file's parse failure never mutates
// the catalogs.
package library

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/procflow/procflow/procedure"
	"github.com/procflow/procflow/registry"
	"github.com/procflow/procflow/telemetry"
	"github.com/procflow/procflow/workflow"
)

// skipDirs are vendored or generated directories excluded from scans.
var skipDirs = map[string]struct{}{
	"node_modules": {},
	"vendor":       {},
	"testdata":     {},
}

type (
	// Library is the combined catalog: procedures in the registry, workflow
	// definitions by ID, and the per-file ownership index.
	Library struct {
		mu        sync.RWMutex
		reg       *registry.Registry
		workflows map[string]*workflow.Definition
		// byFile maps a scanned file path to the workflow IDs it owns.
		byFile map[string][]string
		logger telemetry.Logger
	}

	// Option configures a Library.
	Option func(*Library)

	// Delta reports the workflow IDs a (re)scan added, updated, and
	// removed.
	Delta struct {
		Added   []string
		Updated []string
		Removed []string
	}
)

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Library) { l.logger = logger }
}

// New constructs a Library over the procedure registry.
func New(reg *registry.Registry, opts ...Option) *Library {
	l := &Library{
		reg:       reg,
		workflows: make(map[string]*workflow.Definition),
		byFile:    make(map[string][]string),
		logger:    telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	return l
}

// Registry returns the procedure registry.
func (l *Library) Registry() *registry.Registry { return l.reg }

// AddProcedures registers procedures as one atomic batch. Registering an
// identical contract twice is idempotent; a conflicting name fails the whole
// batch.
func (l *Library) AddProcedures(procs ...*procedure.Procedure) error {
	return l.reg.Apply(registry.Delta{Add: procs})
}

// AddWorkflow validates and adds a programmatically built definition.
func (l *Library) AddWorkflow(def *workflow.Definition) error {
	if err := def.Validate(l.reg); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[def.ID] = def
	return nil
}

// Workflow returns the definition with the given ID. It implements the
// engine's definition resolver.
func (l *Library) Workflow(id string) (*workflow.Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.workflows[id]
	return def, ok
}

// Workflows returns all definitions sorted by ID.
func (l *Library) Workflows() []*workflow.Definition {
	l.mu.RLock()
	out := make([]*workflow.Definition, 0, len(l.workflows))
	for _, def := range l.workflows {
		out = append(out, def)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scan walks the directory tree, loading every workflow document it finds.
// Vendored directories and dotted or underscored names are skipped. Files
// that fail to parse are reported but do not affect definitions loaded from
// other files.
func (l *Library) Scan(ctx context.Context, root string) (Delta, error) {
	var (
		total Delta
		errs  []string
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isWorkflowDocument(name) {
			return nil
		}
		delta, err := l.LoadFile(ctx, path)
		if err != nil {
			l.logger.Warn(ctx, "skipping workflow document", "path", path, "err", err)
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		total.Added = append(total.Added, delta.Added...)
		total.Updated = append(total.Updated, delta.Updated...)
		total.Removed = append(total.Removed, delta.Removed...)
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("scan %q: %w", root, err)
	}
	if len(errs) > 0 {
		return total, fmt.Errorf("scan %q: %d document(s) failed: %s", root, len(errs), strings.Join(errs, "; "))
	}
	return total, nil
}

// LoadFile (re)scans one document and atomically applies the resulting
// delta: definitions the file used to own but no longer declares are
// removed, new IDs are added, and existing IDs are updated. On any parse or
// validation error the catalogs are unchanged.
func (l *Library) LoadFile(ctx context.Context, path string) (Delta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Delta{}, err
	}
	defs, err := parseDocument(path, data)
	if err != nil {
		return Delta{}, err
	}
	for _, def := range defs {
		if err := def.Validate(l.reg); err != nil {
			return Delta{}, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	previous := l.byFile[path]
	next := make([]string, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	var delta Delta
	for _, def := range defs {
		if owner, owned := l.ownerLocked(def.ID); owned && owner != path {
			return Delta{}, fmt.Errorf("workflow %q already defined in %s", def.ID, owner)
		}
		if _, exists := l.workflows[def.ID]; exists {
			delta.Updated = append(delta.Updated, def.ID)
		} else {
			delta.Added = append(delta.Added, def.ID)
		}
		next = append(next, def.ID)
		seen[def.ID] = struct{}{}
	}
	for _, id := range previous {
		if _, kept := seen[id]; !kept {
			delta.Removed = append(delta.Removed, id)
		}
	}

	// All checks passed; mutate.
	for _, def := range defs {
		l.workflows[def.ID] = def
	}
	for _, id := range delta.Removed {
		delete(l.workflows, id)
	}
	l.byFile[path] = next
	l.logger.Debug(ctx, "workflow document loaded",
		"path", path, "added", len(delta.Added), "updated", len(delta.Updated), "removed", len(delta.Removed))
	return delta, nil
}

// RemoveFile drops every definition owned by the file.
func (l *Library) RemoveFile(_ context.Context, path string) Delta {
	l.mu.Lock()
	defer l.mu.Unlock()
	var delta Delta
	for _, id := range l.byFile[path] {
		if _, ok := l.workflows[id]; ok {
			delete(l.workflows, id)
			delta.Removed = append(delta.Removed, id)
		}
	}
	delete(l.byFile, path)
	return delta
}

func (l *Library) ownerLocked(workflowID string) (string, bool) {
	for path, ids := range l.byFile {
		for _, id := range ids {
			if id == workflowID {
				return path, true
			}
		}
	}
	return "", false
}

func isWorkflowDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// parseDocument decodes one or more workflow definitions from a document.
// JSON documents hold a single definition or an array; YAML documents may
// hold multiple --- separated definitions.
func parseDocument(path string, data []byte) ([]*workflow.Definition, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
			var defs []*workflow.Definition
			if err := json.Unmarshal(data, &defs); err != nil {
				return nil, err
			}
			return defs, nil
		}
		def, err := workflow.ParseJSON(data)
		if err != nil {
			return nil, err
		}
		return []*workflow.Definition{def}, nil
	}
	return parseYAMLStream(data)
}

func parseYAMLStream(data []byte) ([]*workflow.Definition, error) {
	var defs []*workflow.Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		raw, err := yaml.Marshal(&node)
		if err != nil {
			return nil, err
		}
		def, err := workflow.ParseYAML(raw)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, errors.New("no workflow definitions in document")
	}
	return defs, nil
}
