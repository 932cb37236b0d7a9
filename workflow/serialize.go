package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/procflow/procflow/procedure"
)

// Serialized document form. The kind-specific config lives in each node's
// opaque config bag; closures do not survive serialization, so decoded
// conditions and filters always carry the expression form.

type (
	wireDefinition struct {
		ID          string         `json:"id" yaml:"id"`
		Name        string         `json:"name" yaml:"name"`
		Description string         `json:"description,omitempty" yaml:"description,omitempty"`
		Version     string         `json:"version" yaml:"version"`
		StartNode   string         `json:"startNode" yaml:"startNode"`
		Nodes       []wireNode     `json:"nodes" yaml:"nodes"`
		Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
		Trigger     *wireTrigger   `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	}

	wireNode struct {
		ID            string         `json:"id" yaml:"id"`
		Type          string         `json:"type" yaml:"type"`
		ProcedureName string         `json:"procedureName,omitempty" yaml:"procedureName,omitempty"`
		Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
		Next          flexStrings    `json:"next,omitempty" yaml:"next,omitempty"`
		OnError       string         `json:"onError,omitempty" yaml:"onError,omitempty"`
	}

	wireTrigger struct {
		Provider  string `json:"provider" yaml:"provider"`
		Procedure string `json:"procedure" yaml:"procedure"`
		EventType string `json:"eventType" yaml:"eventType"`
	}

	// flexStrings decodes either a single string or a list of strings.
	flexStrings []string
)

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = flexStrings{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

func (f flexStrings) MarshalJSON() ([]byte, error) {
	if len(f) == 1 {
		return json.Marshal(f[0])
	}
	return json.Marshal([]string(f))
}

func (f *flexStrings) UnmarshalYAML(value *yaml.Node) error {
	var one string
	if err := value.Decode(&one); err == nil {
		*f = flexStrings{one}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return err
	}
	*f = many
	return nil
}

func (f flexStrings) MarshalYAML() (any, error) {
	if len(f) == 1 {
		return f[0], nil
	}
	return []string(f), nil
}

// ParseJSON decodes a workflow definition from its JSON document form.
func ParseJSON(data []byte) (*Definition, error) {
	var w wireDefinition
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return fromWire(&w)
}

// ParseYAML decodes a workflow definition from its YAML document form.
func ParseYAML(data []byte) (*Definition, error) {
	var w wireDefinition
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return fromWire(&w)
}

// MarshalJSON encodes the definition into its JSON document form. Closure
// predicates and filters are dropped; their expression forms, when present,
// are kept.
func (d *Definition) MarshalJSON() ([]byte, error) {
	w, err := d.toWire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the definition from its JSON document form.
func (d *Definition) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// MarshalYAML encodes the definition into its YAML document form.
func (d *Definition) MarshalYAML() (any, error) {
	return d.toWire()
}

func (d *Definition) toWire() (*wireDefinition, error) {
	w := &wireDefinition{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Version:     d.Version,
		StartNode:   d.StartNode,
		Variables:   d.Variables,
		Metadata:    d.Metadata,
	}
	if d.Trigger != nil {
		w.Trigger = &wireTrigger{
			Provider:  d.Trigger.Provider,
			Procedure: d.Trigger.Procedure,
			EventType: d.Trigger.EventType,
		}
	}
	for _, n := range d.Nodes {
		wn, err := nodeToWire(n)
		if err != nil {
			return nil, err
		}
		w.Nodes = append(w.Nodes, wn)
	}
	return w, nil
}

func nodeToWire(n *Node) (wireNode, error) {
	wn := wireNode{
		ID:            n.ID,
		Type:          string(n.Kind),
		ProcedureName: n.ProcedureName,
		Next:          flexStrings(n.Next),
		OnError:       n.OnError,
	}
	cfg := make(map[string]any, len(n.Config)+4)
	for k, v := range n.Config {
		cfg[k] = v
	}
	switch n.Kind {
	case KindCondition:
		c := n.Condition
		if c.Expression != "" {
			cfg["expression"] = c.Expression
		}
		if c.TrueBranch != "" {
			cfg["trueBranch"] = c.TrueBranch
		}
		if c.FalseBranch != "" {
			cfg["falseBranch"] = c.FalseBranch
		}
	case KindParallel:
		p := n.Parallel
		cfg["branches"] = p.Branches
		cfg["waitForAll"] = p.WaitForAll
	case KindAwait:
		a := n.Await
		cfg["eventType"] = a.EventType
		if a.Provider != "" {
			cfg["provider"] = a.Provider
		}
		if a.FilterExpression != "" {
			cfg["filter"] = a.FilterExpression
		}
		if a.Timeout > 0 {
			cfg["timeout"] = a.Timeout.Milliseconds()
		}
		if a.OnTimeout != "" {
			cfg["onTimeout"] = a.OnTimeout
		}
		if a.OutputSchema != nil {
			var doc any
			if err := json.Unmarshal(a.OutputSchema.Raw(), &doc); err != nil {
				return wireNode{}, fmt.Errorf("node %q: marshal output schema: %w", n.ID, err)
			}
			cfg["outputSchema"] = doc
		}
	case KindSubworkflow:
		s := n.Subworkflow
		cfg["workflowId"] = s.WorkflowID
		if len(s.Input) > 0 {
			cfg["input"] = s.Input
		}
		cfg["mergeOutput"] = s.MergeOutput
	}
	if len(cfg) > 0 {
		wn.Config = cfg
	}
	return wn, nil
}

func fromWire(w *wireDefinition) (*Definition, error) {
	d := &Definition{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Version:     w.Version,
		StartNode:   w.StartNode,
		Variables:   w.Variables,
		Metadata:    w.Metadata,
	}
	if w.Trigger != nil {
		d.Trigger = &TriggerBinding{
			Provider:  w.Trigger.Provider,
			Procedure: w.Trigger.Procedure,
			EventType: w.Trigger.EventType,
		}
	}
	for i := range w.Nodes {
		n, err := nodeFromWire(&w.Nodes[i])
		if err != nil {
			return nil, err
		}
		d.Nodes = append(d.Nodes, n)
	}
	return d, nil
}

func nodeFromWire(wn *wireNode) (*Node, error) {
	kind := Kind(wn.Type)
	if wn.Type == "await" {
		kind = KindAwait
	}
	n := &Node{
		ID:            wn.ID,
		Kind:          kind,
		ProcedureName: wn.ProcedureName,
		Next:          []string(wn.Next),
		OnError:       wn.OnError,
	}
	cfg := make(map[string]any, len(wn.Config))
	for k, v := range wn.Config {
		cfg[k] = v
	}
	take := func(key string) (any, bool) {
		v, ok := cfg[key]
		if ok {
			delete(cfg, key)
		}
		return v, ok
	}
	takeString := func(key string) string {
		v, _ := take(key)
		s, _ := v.(string)
		return s
	}
	switch kind {
	case KindProcedure, KindSequential:
	case KindCondition:
		n.Condition = &ConditionConfig{
			Expression:  takeString("expression"),
			TrueBranch:  takeString("trueBranch"),
			FalseBranch: takeString("falseBranch"),
		}
	case KindParallel:
		p := &ParallelConfig{}
		if v, ok := take("branches"); ok {
			branches, err := stringSlice(v)
			if err != nil {
				return nil, fmt.Errorf("node %q: branches: %w", wn.ID, err)
			}
			p.Branches = branches
		}
		if v, ok := take("waitForAll"); ok {
			b, _ := v.(bool)
			p.WaitForAll = b
		}
		n.Parallel = p
	case KindAwait:
		a := &AwaitConfig{
			EventType:        takeString("eventType"),
			Provider:         takeString("provider"),
			FilterExpression: takeString("filter"),
			OnTimeout:        takeString("onTimeout"),
		}
		if v, ok := take("timeout"); ok {
			timeout, err := parseTimeout(v)
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", wn.ID, err)
			}
			a.Timeout = timeout
		}
		if v, ok := take("outputSchema"); ok {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("node %q: output schema: %w", wn.ID, err)
			}
			schema, err := procedure.CompileSchema(raw)
			if err != nil {
				return nil, fmt.Errorf("node %q: output schema: %w", wn.ID, err)
			}
			a.OutputSchema = schema
		}
		n.Await = a
	case KindSubworkflow:
		s := &SubworkflowConfig{WorkflowID: takeString("workflowId")}
		if v, ok := take("input"); ok {
			m, err := anyMap(v)
			if err != nil {
				return nil, fmt.Errorf("node %q: input: %w", wn.ID, err)
			}
			s.Input = m
		}
		if v, ok := take("mergeOutput"); ok {
			b, _ := v.(bool)
			s.MergeOutput = b
		}
		n.Subworkflow = s
	default:
		return nil, fmt.Errorf("node %q: unknown type %q", wn.ID, wn.Type)
	}
	if len(cfg) > 0 {
		n.Config = cfg
	}
	return n, nil
}

// parseTimeout accepts milliseconds (number) or a duration string ("24h").
func parseTimeout(v any) (time.Duration, error) {
	switch t := v.(type) {
	case float64:
		return time.Duration(t) * time.Millisecond, nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("timeout: %w", err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("timeout: unsupported value %T", v)
	}
}

func stringSlice(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", v)
	}
}

func anyMap(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	default:
		return nil, fmt.Errorf("expected map, got %T", v)
	}
}
