// Package knowledge answers informational questions during a call: general
// knowledge-base lookups through an LLM-backed information desk, plus a set
// of deterministic tables for sports-medicine pricing and exam requirements.
//
// The deterministic tables exist so the most common questions (prices, exam
// lists) never depend on model availability or phrasing.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taliaworks/pipecat-bridge/internal/observe"
	"github.com/taliaworks/pipecat-bridge/pkg/llm"
)

// ErrNoAnswer is returned when the information desk cannot produce an answer
// for a question. Callers treat it as a knowledge gap, which routes the caller
// to a human operator.
var ErrNoAnswer = errors.New("knowledge: no answer")

const infoDeskPrompt = `Sei l'assistente informativo di un centro medico.
Rispondi in italiano, in modo breve e preciso, solo a domande su servizi,
orari, preparazione agli esami e documenti necessari. Se non conosci la
risposta, rispondi esattamente: NON_DISPONIBILE.`

// Agent is the LLM-backed information desk. Safe for concurrent use.
type Agent struct {
	provider    llm.Provider
	assistantID string
	metrics     *observe.Metrics
}

// NewAgent creates an information-desk agent on top of the given provider.
// assistantID tags requests and log lines with the configured desk identity;
// it may be empty. A nil metrics falls back to the process-wide default
// instruments.
func NewAgent(provider llm.Provider, assistantID string, metrics *observe.Metrics) *Agent {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Agent{provider: provider, assistantID: assistantID, metrics: metrics}
}

// Ask answers a free-form informational question. It returns ErrNoAnswer when
// the model declares the topic outside its knowledge, so the flow engine can
// count a knowledge gap instead of inventing an answer.
func (a *Agent) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("%w: empty question", ErrNoAnswer)
	}

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: infoDeskPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Name: a.assistantID, Content: question},
		},
		Temperature: 0.1,
		MaxTokens:   300,
	})
	if err != nil {
		a.metrics.RecordToolCall(ctx, "knowledge_base_new", "error")
		return "", fmt.Errorf("knowledge: ask: %w", err)
	}

	var answer string
	if resp != nil {
		answer = strings.TrimSpace(resp.Content)
	}
	if answer == "" || strings.Contains(answer, "NON_DISPONIBILE") {
		a.metrics.RecordToolCall(ctx, "knowledge_base_new", "gap")
		return "", ErrNoAnswer
	}

	a.metrics.RecordToolCall(ctx, "knowledge_base_new", "ok")
	observe.Logger(ctx).Debug("knowledge base answer",
		"assistant_id", a.assistantID,
		"question_len", len(question))
	return answer, nil
}

// ─── Deterministic tables ────────────────────────────────────────────────────

// competitivePricing lists agonistic (competitive) sports-medicine visit
// prices by age bracket.
var competitivePricing = []struct {
	bracket string
	price   string
}{
	{"under 18", "45,00 €"},
	{"18-39 anni", "60,00 €"},
	{"40 anni e oltre (con prova da sforzo)", "75,00 €"},
}

// nonAgonisticPrice is the flat price of the non-competitive fitness visit.
const nonAgonisticPrice = "40,00 €"

// examsByVisit maps visit kinds to the exams they include.
var examsByVisit = map[string]string{
	"agonistica": "visita medica, elettrocardiogramma sotto sforzo, " +
		"spirometria, esame delle urine, valutazione dell'acuità visiva",
	"non agonistica": "visita medica, elettrocardiogramma a riposo, " +
		"misurazione della pressione arteriosa",
}

// examsBySport maps sport categories to the additional exams federations
// require beyond the base agonistic protocol.
var examsBySport = map[string]string{
	"calcio":        "elettrocardiogramma sotto sforzo e spirometria",
	"nuoto":         "elettrocardiogramma sotto sforzo, spirometria ed esame otorino",
	"ciclismo":      "elettrocardiogramma sotto sforzo massimale",
	"atletica":      "elettrocardiogramma sotto sforzo e spirometria",
	"pallavolo":     "elettrocardiogramma sotto sforzo",
	"pallacanestro": "elettrocardiogramma sotto sforzo",
	"sub":           "elettrocardiogramma sotto sforzo, spirometria, esame otorino con impedenzometria",
}

// CompetitivePricing returns the price list for agonistic sports-medicine
// visits, formatted for the voice channel.
func CompetitivePricing() string {
	var b strings.Builder
	b.WriteString("Visita medico sportiva agonistica: ")
	for i, p := range competitivePricing {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %s", p.bracket, p.price)
	}
	b.WriteString(".")
	return b.String()
}

// NonAgonisticVisitPrice returns the price of the non-competitive fitness
// visit.
func NonAgonisticVisitPrice() string {
	return fmt.Sprintf("La visita medico sportiva non agonistica costa %s.", nonAgonisticPrice)
}

// ExamsForVisit returns the exams included in a visit kind ("agonistica" or
// "non agonistica"). The lookup is case-insensitive and tolerant of extra
// whitespace. The second return value reports whether the kind is known.
func ExamsForVisit(visitKind string) (string, bool) {
	key := normalizeKey(visitKind)
	if key == "agonistico" {
		key = "agonistica"
	}
	exams, ok := examsByVisit[key]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("La visita %s comprende: %s.", key, exams), true
}

// ExamsForSport returns the additional exams required for a sport beyond the
// base agonistic protocol. The second return value reports whether the sport
// is in the table.
func ExamsForSport(sport string) (string, bool) {
	exams, ok := examsBySport[normalizeKey(sport)]
	if !ok {
		return "", false
	}
	return fmt.Sprintf("Per %s sono richiesti: %s.", strings.ToLower(strings.TrimSpace(sport)), exams), true
}

// normalizeKey lowercases and collapses internal whitespace for table lookups.
func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
