package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taliaworks/pipecat-bridge/pkg/llm"
)

// ContextStrategy controls what happens to the conversation history when a
// node is entered.
type ContextStrategy int

const (
	// StrategyAppend keeps the history and appends the node's messages.
	StrategyAppend ContextStrategy = iota
	// StrategyReset drops the history before presenting the node's messages.
	// Used where the previous conversation would flood the model's window.
	StrategyReset
)

// Transition is a handler's routing decision: stay on the current node or
// move to a named one.
type Transition struct {
	next string
}

// Stay keeps the conversation on the current node.
func Stay() Transition { return Transition{} }

// To moves the conversation to the named node after the handler result is
// reported back to the model.
func To(node string) Transition { return Transition{next: node} }

// Target returns the destination node name and whether a move was requested.
func (t Transition) Target() (string, bool) { return t.next, t.next != "" }

// HandlerFunc executes one tool call. Side effects are confined to the
// conversation state; the returned map is serialized as the function result
// for the model. A non-nil error is a failure counted by the Manager
// (knowledge gap, transfer request, or technical, per its sentinel);
// validation problems are reported inside the result instead, keeping the
// node.
type HandlerFunc func(ctx context.Context, conv *Conversation, args Args) (map[string]any, Transition, error)

// Function binds a tool schema to the name of its handler in the registry.
type Function struct {
	Def     llm.ToolDefinition
	Handler string
}

// Node is one station of the conversational graph.
type Node struct {
	Name               string
	RoleMessages       []llm.Message
	TaskMessages       []llm.Message
	Functions          []Function
	PreActions         []string
	RespondImmediately bool
	ContextStrategy    ContextStrategy
}

// Args is a decoded tool-call argument object.
type Args map[string]any

// ParseArgs decodes a JSON argument string. An empty string decodes to an
// empty map; models routinely omit the object for zero-parameter tools.
func ParseArgs(raw string) (Args, error) {
	if raw == "" {
		return Args{}, nil
	}
	var a Args
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("flow: malformed tool arguments: %w", err)
	}
	if a == nil {
		a = Args{}
	}
	return a, nil
}

// String returns the named argument as a string; absent or non-string values
// yield "".
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Bool returns the named argument as a bool. JSON booleans pass through;
// anything else is false.
func (a Args) Bool(key string) bool {
	v, _ := a[key].(bool)
	return v
}

// Int returns the named argument as an int. JSON numbers arrive as float64.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// schema builds the JSON-Schema parameter object of a tool definition.
func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// strProp is a shorthand for a string-typed schema property.
func strProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// boolProp is a shorthand for a boolean-typed schema property.
func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

// intProp is a shorthand for an integer-typed schema property.
func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}
