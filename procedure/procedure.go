// Package procedure defines the contract model for procflow: named,
// schema-validated handler units that serve as the atomic execution unit for
// workflows and one-shot invocations. A Procedure couples a Contract (name,
// input/output schemas, metadata) with a Handler and is immutable once
// constructed.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Handler executes a single procedure invocation. It receives the
	// schema-validated input and the per-invocation call descriptor, and
	// returns the output value which is validated against the output schema
	// before being returned to the caller. Handlers must not mutate the input
	// map. Handlers that establish external subscriptions must return enough
	// information for the caller to later invoke the corresponding stop
	// procedure (typically a subscription identifier).
	Handler func(ctx context.Context, input map[string]any, call *Call) (map[string]any, error)

	// Call carries per-invocation execution metadata for handlers.
	Call struct {
		// RequestID uniquely identifies this invocation.
		RequestID string
		// Timestamp records when the invocation started.
		Timestamp time.Time
		// Metadata is a mutable bag handlers may read and write. The executor
		// seeds it from the transport context descriptor.
		Metadata map[string]any
	}

	// Role labels where a procedure may appear.
	Role string

	// Exposure controls whether external transports may invoke a procedure.
	Exposure string

	// Kind distinguishes plain actions from trigger procedures.
	Kind string

	// Transport identifies the delivery mechanism a trigger procedure
	// establishes.
	Transport string

	// TriggerDescriptor describes the subscription a trigger procedure
	// creates. Present on the metadata iff Kind is KindTrigger.
	TriggerDescriptor struct {
		// Transport is the delivery mechanism (webhook, watch, poll, stream,
		// subscription).
		Transport Transport
		// EventTypes enumerates the event types the trigger can deliver.
		EventTypes []string
		// StopProcedure names the procedure that tears the subscription down.
		// Empty when the subscription expires on its own.
		StopProcedure string
		// PollInterval applies to TransportPoll triggers.
		PollInterval time.Duration
		// SupportsFiltering reports whether the provider filters events
		// server-side.
		SupportsFiltering bool
	}

	// Metadata carries optional classification for a procedure.
	Metadata struct {
		// Category groups related procedures for discovery.
		Category string
		// Tags are free-form labels used by policy or UI layers.
		Tags []string
		// Roles enumerates where the procedure may appear.
		Roles []Role
		// Exposure defaults to ExposureInternal when empty.
		Exposure Exposure
		// Kind defaults to KindAction when empty.
		Kind Kind
		// Trigger describes the subscription for trigger procedures.
		Trigger *TriggerDescriptor
	}

	// Contract is the (input schema, output schema, metadata) triple
	// describing a procedure.
	Contract struct {
		// Name is the unique procedure identifier (e.g. "math.add").
		Name string
		// Description provides human-readable context.
		Description string
		// Input validates invocation payloads. Nil means any input.
		Input *Schema
		// Output validates handler results. Nil means any output.
		Output *Schema
		// Metadata carries classification and the trigger descriptor.
		Metadata Metadata
	}

	// Procedure is a registered contract bound to its handler. Immutable
	// after construction.
	Procedure struct {
		contract Contract
		handler  Handler
	}
)

const (
	// RoleWorkflowNode makes the procedure available to workflow procedure
	// nodes.
	RoleWorkflowNode Role = "workflow-node"
	// RoleAPIEndpoint makes the procedure available to RPC transports.
	RoleAPIEndpoint Role = "api-endpoint"
	// RoleSDKClient makes the procedure available to generated SDK clients.
	RoleSDKClient Role = "sdk-client"
	// RoleTrigger marks trigger procedures. Implies workflow-node visibility.
	RoleTrigger Role = "trigger"

	// ExposureExternal allows invocation from external transports.
	ExposureExternal Exposure = "external"
	// ExposureInternal restricts invocation to in-process callers.
	ExposureInternal Exposure = "internal"

	// KindAction is a plain request/response procedure.
	KindAction Kind = "action"
	// KindTrigger establishes an external subscription.
	KindTrigger Kind = "trigger"

	// TransportWebhook delivers events via inbound HTTP callbacks.
	TransportWebhook Transport = "webhook"
	// TransportWatch registers a provider-side watch channel.
	TransportWatch Transport = "watch"
	// TransportPoll polls the provider on an interval.
	TransportPoll Transport = "poll"
	// TransportStream consumes a provider event stream.
	TransportStream Transport = "stream"
	// TransportSubscription uses a broker subscription.
	TransportSubscription Transport = "subscription"
)

// New constructs a Procedure from a contract and handler, validating the
// contract shape. Trigger procedures must carry the RoleTrigger role and a
// trigger descriptor with at least one event type.
func New(contract Contract, handler Handler) (*Procedure, error) {
	if contract.Name == "" {
		return nil, errors.New("procedure name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("procedure %q: handler is required", contract.Name)
	}
	if contract.Metadata.Kind == "" {
		contract.Metadata.Kind = KindAction
	}
	if contract.Metadata.Exposure == "" {
		contract.Metadata.Exposure = ExposureInternal
	}
	if contract.Metadata.Kind == KindTrigger {
		if !contract.Metadata.HasRole(RoleTrigger) {
			return nil, fmt.Errorf("procedure %q: trigger procedures require the %q role", contract.Name, RoleTrigger)
		}
		if contract.Metadata.Trigger == nil {
			return nil, fmt.Errorf("procedure %q: trigger procedures require a trigger descriptor", contract.Name)
		}
		if len(contract.Metadata.Trigger.EventTypes) == 0 {
			return nil, fmt.Errorf("procedure %q: trigger descriptor requires at least one event type", contract.Name)
		}
	}
	return &Procedure{contract: contract, handler: handler}, nil
}

// MustNew constructs a Procedure and panics on contract errors. Intended for
// package-level procedure declarations.
func MustNew(contract Contract, handler Handler) *Procedure {
	p, err := New(contract, handler)
	if err != nil {
		panic(err)
	}
	return p
}

// Name returns the unique procedure identifier.
func (p *Procedure) Name() string { return p.contract.Name }

// Contract returns a copy of the procedure contract.
func (p *Procedure) Contract() Contract { return p.contract }

// Metadata returns the procedure metadata.
func (p *Procedure) Metadata() Metadata { return p.contract.Metadata }

// Handler returns the bound handler function.
func (p *Procedure) Handler() Handler { return p.handler }

// HasRole reports whether the role set includes r.
func (m Metadata) HasRole(r Role) bool {
	for _, role := range m.Roles {
		if role == r {
			return true
		}
	}
	return false
}

// VisibleToWorkflow reports whether the workflow engine may reference the
// procedure from a procedure node. The trigger role implies workflow-node
// visibility; an empty role set leaves the procedure unrestricted.
func (m Metadata) VisibleToWorkflow() bool {
	return len(m.Roles) == 0 || m.HasRole(RoleWorkflowNode) || m.HasRole(RoleTrigger)
}

// VisibleToTransport reports whether external RPC transports may invoke the
// procedure.
func (m Metadata) VisibleToTransport() bool {
	return m.Exposure == ExposureExternal && m.HasRole(RoleAPIEndpoint)
}

// Equivalent reports whether two contracts describe the same procedure: same
// name, same schema documents, same kind. Registries use this to make
// re-registration of identical procedures idempotent.
func (c Contract) Equivalent(other Contract) bool {
	if c.Name != other.Name || c.Metadata.Kind != other.Metadata.Kind {
		return false
	}
	return schemaEqual(c.Input, other.Input) && schemaEqual(c.Output, other.Output)
}

func schemaEqual(a, b *Schema) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return string(a.Raw()) == string(b.Raw())
	}
}
