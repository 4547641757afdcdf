// Package dispatch is the tool surface: a closed registry of typed
// operations shared by every transport. Each tool takes one structured
// argument and returns one structured result; the session binder has
// already fixed the namespace before a call reaches a tool.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/session"
	"github.com/taskmesh/taskmesh/internal/types"
)

// Tool is one operation on the dispatch surface.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, sess *session.Session, args json.RawMessage) (any, error)
}

// Registry holds the tool set in registration order.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are a programming error and
// panic at startup.
func (r *Registry) Register(t Tool) {
	if _, ok := r.tools[t.Name()]; ok {
		panic("dispatch: duplicate tool " + t.Name())
	}
	r.order = append(r.order, t.Name())
	r.tools[t.Name()] = t
}

// Get returns the tool for name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Dispatcher routes tool calls, enforcing the namespace binding.
type Dispatcher struct {
	registry *Registry
	sessions *session.Manager
	logger   *zap.Logger

	// onBindingViolation tears down the offending session's transport
	// resources (notifier subscription, connection close).
	onBindingViolation func(sessionID string)
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(registry *Registry, sessions *session.Manager, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, sessions: sessions, logger: logger}
}

// OnBindingViolation sets the hook invoked when a session must be
// closed for contradicting its namespace binding.
func (d *Dispatcher) OnBindingViolation(fn func(sessionID string)) {
	d.onBindingViolation = fn
}

// Registry exposes the tool set for tools/list.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Call executes one tool for a bound session. A body that names a
// different namespace than the binding is rejected and the session is
// closed.
func (d *Dispatcher) Call(ctx context.Context, sess *session.Session, name string, args json.RawMessage) (any, error) {
	tool, ok := d.registry.Get(name)
	if !ok {
		return nil, types.NotFound("unknown tool %q", name)
	}
	if err := d.checkBinding(sess, args); err != nil {
		d.closeSession(sess)
		return nil, err
	}
	result, err := tool.Execute(ctx, sess, args)
	if err != nil {
		if types.Is(err, types.CodeNamespaceBinding) {
			d.closeSession(sess)
		}
		d.logger.Debug("tool call failed",
			zap.String("tool", name),
			zap.String("session_id", sess.ID),
			zap.String("code", string(types.CodeOf(err))),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

// checkBinding rejects bodies that name a namespace other than the
// session's binding. Bodies that omit the field pass.
func (d *Dispatcher) checkBinding(sess *session.Session, args json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	var probe struct {
		Namespace string `json:"namespace"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return types.Validation("arguments are not a JSON object")
	}
	if probe.Namespace != "" && probe.Namespace != sess.Namespace {
		return types.E(types.CodeNamespaceBinding,
			"session is bound to namespace %q; cannot address %q", sess.Namespace, probe.Namespace)
	}
	return nil
}

func (d *Dispatcher) closeSession(sess *session.Session) {
	d.sessions.Close(sess.ID)
	if d.onBindingViolation != nil {
		d.onBindingViolation(sess.ID)
	}
	d.logger.Warn("session closed for namespace binding violation",
		zap.String("session_id", sess.ID),
		zap.String("namespace", sess.Namespace))
}

// decode unmarshals tool arguments strictly enough to catch schema
// mistakes early.
func decode(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return types.Wrap(types.CodeValidation, err, "invalid arguments")
	}
	return nil
}

// schema builds the JSON-schema fragment tools/list advertises.
func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		s["required"] = required
	}
	return s
}
