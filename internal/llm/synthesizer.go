package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/logging"
)

// MaxResultBytes is how much of the serialized result is shown to the model
const MaxResultBytes = 4000

const truncationMarker = "\n... (truncated)"

const summarizeSystemPrompt = `You are a data analyst assistant. The user asked a question about their database.
A GraphQL query was executed and returned the following results.

Summarize the results in natural language. Be concise and direct.
If the results are empty, say no data was found.
Include relevant numbers and names from the data.
Answer in the same language as the user's question.`

// Summary is the answer text for a query result
type Summary struct {
	Success bool   `json:"success"`
	Text    string `json:"summary"`
	Usage   Usage  `json:"usage"`
}

// Synthesizer turns a query result into a natural-language answer
type Synthesizer struct {
	client ChatClient
	logger *zap.Logger
}

// NewSynthesizer creates a synthesizer; with a nil client every summary is
// the raw result fallback
func NewSynthesizer(client ChatClient, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{client: client, logger: logging.OrNop(logger)}
}

// Summarize answers question from result. A model failure degrades to the
// raw serialized result and still reports success.
func (s *Synthesizer) Summarize(ctx context.Context, question, query string, result any) Summary {
	results := FormatResult(result)

	if s.client == nil {
		return fallbackSummary(results)
	}

	msg := fmt.Sprintf("User question: %s\n\nGraphQL query executed:\n```graphql\n%s\n```\n\nResults:\n```json\n%s\n```\n\nSummarize these results to answer the user's question.",
		question, query, results)

	res, err := s.client.Chat(ctx, ChatRequest{System: summarizeSystemPrompt, Message: msg})
	if err != nil {
		s.logger.Warn("summarization failed, returning raw results", zap.Error(err))
		return fallbackSummary(results)
	}
	text := strings.TrimSpace(res.Content)
	if text == "" {
		return Summary{Success: true, Text: fallbackSummary(results).Text, Usage: res.Usage}
	}
	return Summary{Success: true, Text: text, Usage: res.Usage}
}

func fallbackSummary(results string) Summary {
	return Summary{Success: true, Text: "Query results:\n```json\n" + results + "\n```"}
}

// FormatResult serializes result as indented JSON, cut at MaxResultBytes on
// a rune boundary
func FormatResult(result any) string {
	var text string
	switch v := result.(type) {
	case json.RawMessage:
		text = indentRaw(v)
	case []byte:
		text = indentRaw(v)
	default:
		b, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			text = fmt.Sprintf("%v", result)
		} else {
			text = string(b)
		}
	}
	return truncateBytes(text, MaxResultBytes)
}

func indentRaw(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b)
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

// TemplateAnswer phrases the result of a rule-based count plan without the model
func TemplateAnswer(prompt, table string, result map[string]any) string {
	if n, ok := aggregateCount(result, table); ok {
		return fmt.Sprintf("Result for \"%s\": table '%s' currently has %s records.", prompt, table, n)
	}
	return fmt.Sprintf("Queried table '%s' but could not read count from the GraphQL result.", table)
}

// aggregateCount reads data.<field>_aggregate.aggregate.count. result may be
// the whole response or just its data object.
func aggregateCount(result map[string]any, table string) (string, bool) {
	if data, ok := result["data"].(map[string]any); ok {
		result = data
	}
	agg, ok := result[RootField(table)+"_aggregate"].(map[string]any)
	if !ok {
		return "", false
	}
	inner, ok := agg["aggregate"].(map[string]any)
	if !ok {
		return "", false
	}
	switch n := inner["count"].(type) {
	case float64:
		return fmt.Sprintf("%d", int64(n)), true
	case json.Number:
		return n.String(), true
	case int:
		return fmt.Sprintf("%d", n), true
	case int64:
		return fmt.Sprintf("%d", n), true
	default:
		return "", false
	}
}
