package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/taliaworks/pipecat-bridge/internal/observe"
	"github.com/taliaworks/pipecat-bridge/pkg/llm"
	"github.com/taliaworks/pipecat-bridge/pkg/mediastream"
)

const (
	// defaultToolTimeout bounds one LLM tool round.
	defaultToolTimeout = 45 * time.Second

	// maxToolRounds bounds the dispatch loop of a single turn. A model that
	// keeps calling tools without ever producing text is cut off here.
	maxToolRounds = 8
)

// transferRefusal is spoken in place of an operator transfer outside business
// hours.
const transferRefusal = "Al momento i nostri operatori non sono disponibili. " +
	"Posso comunque darti informazioni o aiutarti a prenotare."

// ErrConversationDone is returned by Turn on a conversation that already
// reached a terminal node.
var ErrConversationDone = errors.New("flow: conversation done")

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithToolTimeout overrides the per-round LLM timeout; mainly for tests.
func WithToolTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.toolTimeout = d }
}

// WithManagerMetrics overrides the metrics sink; mainly for tests.
func WithManagerMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// Manager executes the conversational graph: one Turn per user utterance,
// dispatching the model's tool calls through the graph's handler registry
// until the model produces plain text. A single Manager serves every
// conversation in the process.
type Manager struct {
	provider    llm.Provider
	graph       *Graph
	metrics     *observe.Metrics
	toolTimeout time.Duration
}

// NewManager builds a Manager over the given provider and graph.
func NewManager(provider llm.Provider, graph *Graph, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:    provider,
		graph:       graph,
		toolTimeout: defaultToolTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// ConversationInfo carries the call attributes a new conversation starts
// with.
type ConversationInfo struct {
	SessionID      string
	StreamSID      string
	CallerPhone    string
	BusinessStatus mediastream.BusinessStatus
}

// NewConversation creates a conversation positioned at the graph's entry
// node.
func (m *Manager) NewConversation(info ConversationInfo) *Conversation {
	return &Conversation{
		SessionID:      info.SessionID,
		StreamSID:      info.StreamSID,
		CallerPhone:    info.CallerPhone,
		BusinessStatus: info.BusinessStatus,
		node:           m.graph.Entry(),
	}
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	// Reply is the assistant text to speak back.
	Reply string
	// Node is the conversation's node after the turn.
	Node string
	// Done reports whether the conversation reached a terminal node.
	Done bool
}

// Turn feeds one user utterance through the current node and returns the
// assistant's reply. Tool calls are dispatched and their results fed back to
// the model until it answers in plain text. Turn serializes per conversation;
// concurrent turns on the same conversation queue on its lock.
func (m *Manager) Turn(ctx context.Context, conv *Conversation, userText string) (TurnResult, error) {
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.done {
		return TurnResult{Node: conv.node.Name, Done: true}, ErrConversationDone
	}

	start := time.Now()
	defer func() {
		m.metrics.LLMTurnDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("node", conv.node.Name)))
	}()

	conv.history = append(conv.history, llm.Message{Role: llm.RoleUser, Content: userText})

	for round := 0; round < maxToolRounds; round++ {
		resp, err := m.complete(ctx, conv)
		if err != nil {
			return TurnResult{}, err
		}

		if len(resp.ToolCalls) == 0 {
			conv.history = append(conv.history, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			return m.finish(conv, resp.Content), nil
		}

		conv.history = append(conv.history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			m.dispatch(ctx, conv, tc)
		}
	}

	return TurnResult{}, fmt.Errorf("flow: node %q: no text after %d tool rounds", conv.node.Name, maxToolRounds)
}

// complete runs one bounded LLM round with the current node's prompt and
// tools.
func (m *Manager) complete(ctx context.Context, conv *Conversation) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.toolTimeout)
	defer cancel()

	resp, err := m.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: nodePrompt(conv.node),
		Messages:     conv.history,
		Tools:        m.graph.Tools(conv.node),
		Temperature:  0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("flow: completion at node %q: %w", conv.node.Name, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("flow: empty completion at node %q", conv.node.Name)
	}
	return resp, nil
}

// dispatch executes one tool call, appends its result to the history, and
// applies the handler's transition and any failure accounting.
func (m *Manager) dispatch(ctx context.Context, conv *Conversation, tc llm.ToolCall) {
	result, transition, err := m.invoke(ctx, conv, tc)

	switch {
	case err == nil:
		m.metrics.RecordToolCall(ctx, tc.Name, "ok")
	case errors.Is(err, ErrKnowledgeGap):
		conv.State.Failures.KnowledgeGaps++
		m.metrics.RecordToolCall(ctx, tc.Name, "knowledge_gap")
		result = map[string]any{"status": "error", "message": "informazione non disponibile"}
	case errors.Is(err, ErrTransferRequested):
		conv.State.Failures.TransferRequests++
		m.metrics.RecordToolCall(ctx, tc.Name, "transfer_requested")
		result = map[string]any{"status": "transfer_requested"}
	default:
		conv.State.Failures.Technical++
		m.metrics.RecordToolCall(ctx, tc.Name, "error")
		observe.Logger(ctx).Error("tool call failed",
			"tool", tc.Name, "node", conv.node.Name, "error", err)
		result = map[string]any{"status": "error", "message": "errore tecnico, riprova"}
	}

	conv.history = append(conv.history, llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: tc.ID,
		Content:    marshalResult(result),
	})

	if conv.State.Failures.Exceeded() {
		m.routeToTransfer(ctx, conv)
		return
	}
	if target, ok := transition.Target(); ok {
		m.enterNode(ctx, conv, target)
	}
}

// invoke resolves and runs the handler for one tool call.
func (m *Manager) invoke(ctx context.Context, conv *Conversation, tc llm.ToolCall) (map[string]any, Transition, error) {
	handler, err := m.graph.Dispatch(conv.node, tc.Name)
	if err != nil {
		return nil, Stay(), err
	}
	args, err := ParseArgs(tc.Arguments)
	if err != nil {
		return nil, Stay(), err
	}
	return handler(ctx, conv, args)
}

// routeToTransfer moves the conversation to the transfer node, unless the
// business is closed, in which case the transfer is refused and the failure
// counters reset so the caller can keep using the informational and booking
// paths.
func (m *Manager) routeToTransfer(ctx context.Context, conv *Conversation) {
	if conv.BusinessStatus != mediastream.StatusOpen {
		conv.State.Failures = FailureCounters{}
		conv.history = append(conv.history, llm.Message{
			Role:    llm.RoleSystem,
			Content: transferRefusal,
		})
		m.metrics.Transfers.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("reason", "refused_closed")))
		return
	}

	m.metrics.Transfers.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("reason", transferReason(conv.State.Failures))))
	m.enterNode(ctx, conv, NodeTransfer)
}

// enterNode moves the conversation to the named node and applies its context
// strategy.
func (m *Manager) enterNode(ctx context.Context, conv *Conversation, name string) {
	node, ok := m.graph.Node(name)
	if !ok {
		observe.Logger(ctx).Error("transition to unknown node", "node", name)
		node, _ = m.graph.Node(NodeError)
	}
	if node.ContextStrategy == StrategyReset {
		conv.history = nil
	}
	conv.node = node
}

// finish builds the turn result and marks terminal nodes.
func (m *Manager) finish(conv *Conversation, reply string) TurnResult {
	switch conv.node.Name {
	case NodeBookingSuccess, NodeTransfer:
		conv.done = true
	}
	return TurnResult{Reply: reply, Node: conv.node.Name, Done: conv.done}
}

// nodePrompt joins a node's role and task messages into the system prompt.
func nodePrompt(n *Node) string {
	var parts []string
	for _, msg := range n.RoleMessages {
		parts = append(parts, msg.Content)
	}
	for _, msg := range n.TaskMessages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n\n")
}

// transferReason names the counter that tripped, for the transfer metric.
func transferReason(f FailureCounters) string {
	switch {
	case f.KnowledgeGaps >= maxKnowledgeGaps:
		return "knowledge_gap"
	case f.TransferRequests >= maxTransferRequests:
		return "user_request"
	default:
		return "technical"
	}
}

// marshalResult serializes a handler result for the model. A nil result
// becomes an empty object.
func marshalResult(result map[string]any) string {
	if result == nil {
		result = map[string]any{}
	}
	b, err := json.Marshal(result)
	if err != nil {
		return `{"status":"error"}`
	}
	return string(b)
}
