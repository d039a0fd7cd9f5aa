// Package tools routes model-issued tool calls to local handlers and sends
// structured responses back over the conversation's connection.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loftdesk/assist-core/core/wire"
)

// Result is the structured outcome of one tool invocation. It serializes as
// {ok, error?, ...fields}.
type Result struct {
	OK     bool
	Error  string
	Fields map[string]any
}

func (r Result) MarshalJSON() ([]byte, error) {
	payload := map[string]any{"ok": r.OK}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	for key, value := range r.Fields {
		if key == "ok" || key == "error" {
			continue
		}
		payload[key] = value
	}
	return json.Marshal(payload)
}

// Succeed builds a successful result carrying optional extra fields.
func Succeed(fields map[string]any) Result {
	return Result{OK: true, Fields: fields}
}

// Fail builds a failed result with a user-facing error message.
func Fail(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

// Sender delivers an encoded response over the connection. It reports false
// when the connection is not open; the router treats that as recoverable.
type Sender func(response wire.ToolResponse) bool

// InlineHook acts on a tool result the server already computed, e.g. showing
// an image. It reports whether it acted.
type InlineHook func(ctx context.Context, result json.RawMessage) bool

// ActionRequest is the shape handed to the generic per-entity action layer.
type ActionRequest struct {
	Tool string
	Data map[string]any
}

// EntityDispatcher is the external collaborator behind <verb>_<entity>
// actions. It calls respond exactly once with the downstream outcome.
type EntityDispatcher interface {
	Dispatch(ctx context.Context, req ActionRequest, respond func(Result))
}

// actionNamePattern recognizes generic entity actions, e.g. "create_kpi".
var actionNamePattern = regexp.MustCompile(`^(create|update|delete|list)_(.+)$`)

// Router resolves tool names to handlers. Routing is by exact name first,
// then by the <verb>_<entity> catch-all for configured entities.
type Router struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	inline     map[string]InlineHook
	entities   map[string]EntityConfig
	dispatcher EntityDispatcher
	send       Sender
}

// EntityConfig describes one entity exposed through the generic action layer.
type EntityConfig struct {
	// RequiredByVerb lists argument names that must be present before the
	// action may be dispatched, keyed by verb.
	RequiredByVerb map[string][]string
}

func NewRouter(send Sender) *Router {
	if send == nil {
		send = func(wire.ToolResponse) bool { return false }
	}
	return &Router{
		tools:    map[string]Tool{},
		inline:   map[string]InlineHook{},
		entities: map[string]EntityConfig{},
		send:     send,
	}
}

// Register adds an explicit tool. Later registrations replace earlier ones.
func (r *Router) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// RegisterInline adds a hook for the "result already computed" pathway.
func (r *Router) RegisterInline(name string, hook InlineHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inline[name] = hook
}

// RegisterEntity exposes an entity through the <verb>_<entity> catch-all.
func (r *Router) RegisterEntity(name string, config EntityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[name] = config
}

// SetEntityDispatcher wires the generic action layer collaborator.
func (r *Router) SetEntityDispatcher(dispatcher EntityDispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = dispatcher
}

// snapshot copies the routing tables so an in-flight dispatch is unaffected
// by concurrent re-registration.
func (r *Router) snapshot() routesSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := routesSnapshot{
		dispatcher: r.dispatcher,
		inline:     r.inline,
		tools:      make(map[string]Tool, len(r.tools)),
	}
	// Tool carries an unexported handler, so the tools map is copied by
	// hand.
	for name, tool := range r.tools {
		snapshot.tools[name] = tool
	}
	_ = copier.Copy(&snapshot.entities, r.entities)
	return snapshot
}

type routesSnapshot struct {
	tools      map[string]Tool
	inline     map[string]InlineHook
	entities   map[string]EntityConfig
	dispatcher EntityDispatcher
}

// HandlePrompt runs the prompt pathway: the router performs the action
// itself and sends a frontend_tool_response back over the connection. It
// reports whether the name resolved to anything.
func (r *Router) HandlePrompt(ctx context.Context, name string, data json.RawMessage) bool {
	return r.handle(ctx, wire.ResponseTypeTool, name, data)
}

// HandleAction is the prompt pathway variant used by frontend_action events;
// the response goes out as frontend_action_response.
func (r *Router) HandleAction(ctx context.Context, name string, data json.RawMessage) bool {
	return r.handle(ctx, wire.ResponseTypeAction, name, data)
}

func (r *Router) handle(ctx context.Context, responseType, name string, data json.RawMessage) bool {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	routes := r.snapshot()

	result, known := routes.run(ctx, name, data)
	if !known {
		if !actionNamePattern.MatchString(normalizeActionName(name)) {
			// Unknown non-action tools are a no-op, never an error.
			return false
		}
		result = Fail("tool not found: %s", name)
	}

	if !result.OK {
		span.SetStatus(codes.Error, result.Error)
	}

	response, err := wire.NewToolResponse(responseType, name, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return known
	}

	if !r.send(response) {
		logger.Warn("tool response dropped: connection not open", "tool", name)
	}

	return known
}

// HandleResult runs the inline pathway for an already-computed tool result.
// Unknown names report false and do nothing.
func (r *Router) HandleResult(ctx context.Context, name string, result json.RawMessage) bool {
	r.mu.RLock()
	hook := r.inline[name]
	r.mu.RUnlock()

	if hook == nil {
		return false
	}

	return hook(ctx, result)
}

func (s routesSnapshot) run(ctx context.Context, name string, data json.RawMessage) (Result, bool) {
	if tool, ok := s.tools[name]; ok {
		return tool.run(ctx, data), true
	}

	match := actionNamePattern.FindStringSubmatch(normalizeActionName(name))
	if match == nil {
		return Result{}, false
	}

	verb, entity := match[1], match[2]
	config, ok := s.entities[entity]
	if !ok || s.dispatcher == nil {
		return Result{}, false
	}

	return s.dispatchAction(ctx, name, verb, config, data), true
}

func (s routesSnapshot) dispatchAction(ctx context.Context, name, verb string, config EntityConfig, data json.RawMessage) Result {
	args, err := decodeArguments(data)
	if err != nil {
		return Fail("invalid arguments for %s: %v", name, err)
	}

	// Required fields are checked before any side effect; the data layer is
	// never reached with missing ones.
	if missing := missingArguments(args, config.RequiredByVerb[verb]); missing != "" {
		return Fail("missing required field: %s", missing)
	}

	outcome := make(chan Result, 1)
	s.dispatcher.Dispatch(ctx, ActionRequest{Tool: name, Data: args}, func(result Result) {
		select {
		case outcome <- result:
		default:
		}
	})

	select {
	case result := <-outcome:
		return result
	case <-ctx.Done():
		return Fail("action %s was cancelled before completing", name)
	}
}

func decodeArguments(data json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(data) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func missingArguments(args map[string]any, required []string) string {
	for _, field := range required {
		value, ok := args[field]
		if !ok || value == nil || value == "" {
			return field
		}
	}
	return ""
}
