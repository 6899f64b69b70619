package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChat replays a fixed reply or error and records the last request
type stubChat struct {
	reply string
	usage Usage
	err   error
	last  ChatRequest
	calls int
}

func (s *stubChat) Chat(_ context.Context, req ChatRequest) (*ChatResult, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResult{Content: s.reply, Usage: s.usage}, nil
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		prompt   string
		tables   []string
		limit    int
		expected QueryPlan
	}{
		{
			name:   "no table mentioned picks the first",
			prompt: "how many rows are there?",
			tables: []string{"orders", "products"},
			limit:  100,
			expected: QueryPlan{
				SelectedTable: "orders",
				Query:         "query PromptQueryPlan { orders_aggregate(limit: 100) { aggregate { count } } }",
				PlanType:      PlanCountAggregate,
				SafeLimit:     100,
				Success:       true,
			},
		},
		{
			name:   "mentioned table wins, case-insensitive",
			prompt: "How many PRODUCTS do we sell?",
			tables: []string{"orders", "products"},
			limit:  5000,
			expected: QueryPlan{
				SelectedTable: "products",
				Query:         "query PromptQueryPlan { products_aggregate(limit: 1000) { aggregate { count } } }",
				PlanType:      PlanCountAggregate,
				SafeLimit:     1000,
				Success:       true,
			},
		},
		{
			name:   "schema qualified table",
			prompt: "count customers",
			tables: []string{"public.orders", "sales.customers"},
			limit:  0,
			expected: QueryPlan{
				SelectedTable: "sales.customers",
				Query:         "query PromptQueryPlan { sales_customers_aggregate(limit: 1) { aggregate { count } } }",
				PlanType:      PlanCountAggregate,
				SafeLimit:     1,
				Success:       true,
			},
		},
		{
			name:   "no tables",
			prompt: "anything",
			limit:  10,
			expected: QueryPlan{
				PlanType:  PlanUnsupported,
				SafeLimit: 10,
				Error:     "no tracked tables found",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Plan(tt.prompt, tt.tables, tt.limit))
		})
	}
}

func TestExtractQuery(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		expected string
	}{
		{
			name:     "graphql fence",
			reply:    "Here you go:\n```graphql\nquery { users { id } }\n```\nDone.",
			expected: "query { users { id } }",
		},
		{
			name:     "graphql fence preferred over an earlier plain fence",
			reply:    "```\nnot this\n```\n```graphql\n{ orders { id } }\n```",
			expected: "{ orders { id } }",
		},
		{
			name:     "any fence",
			reply:    "```gql\n{ orders { id } }\n```",
			expected: "{ orders { id } }",
		},
		{
			name:     "fence wins over bare braces in prose",
			reply:    "Use {id} style fields. ```graphql\nquery { a { b } }\n``` or { c }",
			expected: "query { a { b } }",
		},
		{
			name:     "named query by brace balancing",
			reply:    "The query is query Top { users(limit: 1) { id } } and that is it }",
			expected: "query Top { users(limit: 1) { id } }",
		},
		{
			name:     "bare braces",
			reply:    "Try { users { id name } } please",
			expected: "{ users { id name } }",
		},
		{
			name:     "nothing to extract",
			reply:    "I cannot answer that.",
			expected: "",
		},
		{
			name:     "unbalanced",
			reply:    "{ users { id }",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractQuery(tt.reply))
		})
	}
}

func TestGenerate(t *testing.T) {
	chat := &stubChat{
		reply: "```graphql\nquery { users { id } }\n```",
		usage: Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	g := NewGenerator(chat, nil)

	gen := g.Generate(context.Background(), "users: id(Int!)", "list users")
	require.True(t, gen.Success, gen.Error)
	assert.Equal(t, "query { users { id } }", gen.Query)
	assert.Equal(t, 15, gen.Usage.TotalTokens)
	assert.Equal(t, "Generate a GraphQL query for: list users", chat.last.Message)
	assert.Contains(t, chat.last.System, "users: id(Int!)")
	assert.Contains(t, chat.last.System, "Do NOT use mutations")
}

func TestGenerateFailuresAreValues(t *testing.T) {
	gen := NewGenerator(&stubChat{err: errors.New("boom")}, nil).Generate(context.Background(), "", "q")
	assert.False(t, gen.Success)
	assert.Equal(t, "boom", gen.Error)

	gen = NewGenerator(&stubChat{reply: "   "}, nil).Generate(context.Background(), "", "q")
	assert.False(t, gen.Success)

	gen = NewGenerator(&stubChat{reply: "no idea"}, nil).Generate(context.Background(), "", "q")
	assert.False(t, gen.Success)
	assert.Equal(t, "no idea", gen.RawReply)

	gen = NewGenerator(nil, nil).Generate(context.Background(), "", "q")
	assert.False(t, gen.Success)
}

func TestSummarize(t *testing.T) {
	chat := &stubChat{reply: "  There are 3 customers.  "}
	s := NewSynthesizer(chat, nil)

	sum := s.Summarize(context.Background(), "how many?", "query { x }", map[string]any{"count": 3})
	assert.True(t, sum.Success)
	assert.Equal(t, "There are 3 customers.", sum.Text)
	assert.Contains(t, chat.last.Message, "User question: how many?")
	assert.Contains(t, chat.last.Message, "```graphql\nquery { x }\n```")
	assert.Contains(t, chat.last.Message, "\"count\": 3")
}

func TestSummarizeFallsBackToRawResults(t *testing.T) {
	s := NewSynthesizer(&stubChat{err: errors.New("down")}, nil)

	sum := s.Summarize(context.Background(), "q", "query { x }", json.RawMessage(`{"a":1}`))
	assert.True(t, sum.Success)
	assert.Equal(t, "Query results:\n```json\n{\n  \"a\": 1\n}\n```", sum.Text)
}

func TestFormatResultTruncates(t *testing.T) {
	long := strings.Repeat("é", MaxResultBytes)
	out := FormatResult(long)
	require.True(t, strings.HasSuffix(out, truncationMarker))
	body := strings.TrimSuffix(out, truncationMarker)
	assert.LessOrEqual(t, len(body), MaxResultBytes)
	assert.True(t, strings.HasPrefix(body, `"éé`))

	assert.Equal(t, `[1,2]`, strings.ReplaceAll(strings.ReplaceAll(FormatResult([]int{1, 2}), "\n", ""), " ", ""))
}

func TestTemplateAnswer(t *testing.T) {
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"customers_aggregate":{"aggregate":{"count":3}}}}`), &result))

	answer := TemplateAnswer("how many customers are there?", "customers", result)
	assert.Equal(t, `Result for "how many customers are there?": table 'customers' currently has 3 records.`, answer)

	// the data object alone is accepted too
	answer = TemplateAnswer("q", "customers", result["data"].(map[string]any))
	assert.Contains(t, answer, "has 3 records")

	answer = TemplateAnswer("q", "orders", result)
	assert.Equal(t, "Queried table 'orders' but could not read count from the GraphQL result.", answer)

	var qualified map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"sales_customers_aggregate":{"aggregate":{"count":12}}}`), &qualified))
	assert.Contains(t, TemplateAnswer("q", "sales.customers", qualified), "'sales.customers' currently has 12 records")
}

func TestOpenAIEndpoint(t *testing.T) {
	tests := []struct {
		base     string
		expected string
	}{
		{"http://localhost:11434", "http://localhost:11434/v1/chat/completions"},
		{"http://localhost:11434/", "http://localhost:11434/v1/chat/completions"},
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NewOpenAIClient(ClientOptions{BaseURL: tt.base}).Endpoint())
	}
}

func TestOpenAIChat(t *testing.T) {
	var got openAIRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(ClientOptions{APIKey: "sk-test", BaseURL: srv.URL, Model: "llama3", Temperature: 0.2, MaxTokens: 64})
	res, err := c.Chat(context.Background(), ChatRequest{System: "sys", Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, 0.2, got.Temperature)
	assert.Equal(t, 64, got.MaxTokens)
	assert.Equal(t, []openAIMessage{{Role: "system", Content: "sys"}, {Role: "user", Content: "hello"}}, got.Messages)

	assert.Equal(t, "hi", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}, res.Usage)
}

func TestOpenAIChatWithoutKeyOrSystem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		var req openAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 1)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	res, err := NewOpenAIClient(ClientOptions{BaseURL: srv.URL + "/v1"}).Chat(context.Background(), ChatRequest{Message: "x"})
	require.NoError(t, err)
	assert.Empty(t, res.Content)
	assert.Equal(t, DefaultModel, res.Model)
}

func TestOpenAIChatErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer plain" {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(ClientOptions{BaseURL: srv.URL, APIKey: "wrong"}).Chat(context.Background(), ChatRequest{Message: "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "LLM API error (401): invalid api key", err.Error())

	_, err = NewOpenAIClient(ClientOptions{BaseURL: srv.URL, APIKey: "plain"}).Chat(context.Background(), ChatRequest{Message: "x"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, apiErr.Detail, "bad gateway")
}

func TestOpenAIChatTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewOpenAIClient(ClientOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Chat(context.Background(), ChatRequest{Message: "x"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestOpenAIChatUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOpenAIClient(ClientOptions{BaseURL: url}).Chat(context.Background(), ChatRequest{Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot connect to LLM API")
}

func TestNewChatClient(t *testing.T) {
	c, err := NewChatClient(context.Background(), ClientOptions{})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	_, err = NewChatClient(context.Background(), ClientOptions{Provider: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewChatClient(context.Background(), ClientOptions{Provider: ProviderGemini})
	assert.Error(t, err, "gemini needs an API key")

	c, err = NewChatClient(context.Background(), ClientOptions{Provider: ProviderGemini, APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, DefaultGeminiModel, c.(*GeminiClient).Model())
}
