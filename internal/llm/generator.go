package llm

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/logging"
)

const generatorRules = `RULES:
- Output ONLY a valid GraphQL query inside a ` + "```graphql" + ` code block
- Do NOT include any explanation outside the code block
- Use _aggregate for counting, summing, averaging
- Use order_by for sorting: {field: asc} or {field: desc}
- Use limit for top-N queries
- Use where for filtering: {field: {_eq: value, _gt: value, _like: "%text%"}}
- For "which X has most Y": use nested aggregate ordering:
  X(order_by: {Y_aggregate: {count: desc}}, limit: 1) { ... Y_aggregate { aggregate { count } } }
- For totals/sums: use TABLE_aggregate { aggregate { sum { field } } }
- Do NOT use mutations, this is read-only access
- Always include identifying fields (id, name) in the selection
- Keep queries simple and efficient

EXAMPLE for "user with most products":
` + "```graphql" + `
query {
  users(order_by: {products_aggregate: {count: desc}}, limit: 1) {
    id
    name
    products_aggregate {
      aggregate {
        count
      }
    }
  }
}
` + "```"

var (
	graphqlFence = regexp.MustCompile("(?s)```graphql[ \t]*\r?\n?(.*?)```")
	anyFence     = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\r?\n?(.*?)```")
	namedQuery   = regexp.MustCompile(`(?i)\bquery\b(?:\s+[_A-Za-z][_0-9A-Za-z]*)?\s*(?:\([^()]*\))?\s*\{`)
)

// Generation is the outcome of asking the model for a query. A failed
// generation is a normal result that sends the pipeline to its fallback.
type Generation struct {
	Success  bool   `json:"success"`
	Query    string `json:"query,omitempty"`
	RawReply string `json:"raw_reply,omitempty"`
	Error    string `json:"error,omitempty"`
	Usage    Usage  `json:"usage"`
}

// Generator asks a chat model to author a gateway query for a question
type Generator struct {
	client ChatClient
	logger *zap.Logger
}

// NewGenerator creates a generator; a nil client makes every generation fail
func NewGenerator(client ChatClient, logger *zap.Logger) *Generator {
	return &Generator{client: client, logger: logging.OrNop(logger)}
}

// GeneratorSystemPrompt embeds the compact schema into the authoring rules
func GeneratorSystemPrompt(schemaText string) string {
	return "You are a GraphQL query generator for Hasura CE (PostgreSQL).\n\n" +
		schemaText + "\n\n" + generatorRules
}

// Generate asks the model for a query answering question against schemaText
func (g *Generator) Generate(ctx context.Context, schemaText, question string) Generation {
	if g.client == nil {
		return Generation{Error: "LLM not configured"}
	}

	res, err := g.client.Chat(ctx, ChatRequest{
		System:  GeneratorSystemPrompt(schemaText),
		Message: "Generate a GraphQL query for: " + question,
	})
	if err != nil {
		g.logger.Warn("query generation failed", zap.Error(err))
		return Generation{Error: err.Error()}
	}

	gen := Generation{RawReply: res.Content, Usage: res.Usage}
	if strings.TrimSpace(res.Content) == "" {
		gen.Error = "empty reply from LLM"
		return gen
	}

	gen.Query = ExtractQuery(res.Content)
	if gen.Query == "" {
		gen.Error = "could not extract a GraphQL query from the LLM reply"
		g.logger.Debug("no query in reply", zap.String("reply", logging.Truncate(res.Content, 200)))
		return gen
	}
	gen.Success = true
	return gen
}

// ExtractQuery pulls the query out of a model reply. It tries a graphql
// fenced block, then any fenced block, then a brace-balanced query { ... },
// then the first brace-balanced { ... }. The first non-empty hit wins.
func ExtractQuery(reply string) string {
	for _, re := range []*regexp.Regexp{graphqlFence, anyFence} {
		for _, m := range re.FindAllStringSubmatch(reply, -1) {
			if q := strings.TrimSpace(m[1]); q != "" {
				return q
			}
		}
	}

	if loc := namedQuery.FindStringIndex(reply); loc != nil {
		if end := matchBrace(reply, loc[1]-1); end > 0 {
			return strings.TrimSpace(reply[loc[0] : end+1])
		}
	}

	if start := strings.IndexByte(reply, '{'); start >= 0 {
		if end := matchBrace(reply, start); end > 0 {
			return strings.TrimSpace(reply[start : end+1])
		}
	}
	return ""
}

// matchBrace returns the index of the brace closing the one at open, or -1
func matchBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
