// Package pipeline answers a natural-language question for an application:
// it describes the schema, has the model write a query, validates and runs
// it, and summarizes the result. Any failure of the model path falls back to
// a rule-based count query with a templated answer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/apperr"
	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/hasura"
	"github.com/kartoza/kartoza-pgql/internal/llm"
	"github.com/kartoza/kartoza-pgql/internal/logging"
	"github.com/kartoza/kartoza-pgql/internal/metrics"
	"github.com/kartoza/kartoza-pgql/internal/schema"
	"github.com/kartoza/kartoza-pgql/internal/security"
)

const op = "pipeline.Run"

// DefaultMaxLimit is used when a request carries no limit
const DefaultMaxLimit = 100

// MetricsTool is the tool name requests are recorded under
const MetricsTool = "v1_query"

// Branch names reported in Response.Pipeline
const (
	BranchLLM       = "llm"
	BranchRuleBased = "rule_based"
)

// Phase names used in logs
const (
	PhaseExtractSchema = "extract_schema"
	PhaseGenerateQuery = "generate_query"
	PhaseValidateQuery = "validate_query"
	PhaseExecute       = "execute"
	PhaseRuleBasedPlan = "rule_based_plan"
)

// Gateway is the part of the gateway client the pipeline needs
type Gateway interface {
	Configured() bool
	Execute(ctx context.Context, query string, variables map[string]any, role string) (*hasura.Response, error)
	TrackedTables(ctx context.Context, allowed []string) ([]string, error)
}

// SchemaDescriber produces the compact schema text for an allow-list
type SchemaDescriber interface {
	Describe(ctx context.Context, allowed []string) (*schema.Description, error)
}

// QueryGenerator writes a query for a question
type QueryGenerator interface {
	Generate(ctx context.Context, schemaText, question string) llm.Generation
}

// AnswerSynthesizer summarizes a query result
type AnswerSynthesizer interface {
	Summarize(ctx context.Context, question, query string, result any) llm.Summary
}

// Request is one question asked by an application
type Request struct {
	Prompt   string
	MaxLimit int
	App      apps.Application
}

// Response is the answer and how it was produced
type Response struct {
	Success        bool           `json:"success"`
	Answer         string         `json:"answer"`
	Query          string         `json:"query"`
	SelectedTable  string         `json:"selected_table,omitempty"`
	Pipeline       string         `json:"pipeline"`
	Data           map[string]any `json:"data,omitempty"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	Usage          llm.Usage      `json:"usage"`
}

// Options wires a Pipeline
type Options struct {
	Gateway     Gateway
	Schema      SchemaDescriber
	Generator   QueryGenerator
	Synthesizer AnswerSynthesizer
	Metrics     *metrics.Recorder
	MaxDepth    int
	Logger      *zap.Logger
}

// Pipeline runs questions through the model path with rule-based fallback
type Pipeline struct {
	gateway     Gateway
	schema      SchemaDescriber
	generator   QueryGenerator
	synthesizer AnswerSynthesizer
	metrics     *metrics.Recorder
	maxDepth    int
	logger      *zap.Logger
}

// New creates a pipeline. Generator and Synthesizer may be nil, in which case
// every question takes the rule-based branch.
func New(opts Options) *Pipeline {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = security.DefaultMaxDepth
	}
	return &Pipeline{
		gateway:     opts.Gateway,
		schema:      opts.Schema,
		generator:   opts.Generator,
		synthesizer: opts.Synthesizer,
		metrics:     opts.Metrics,
		maxDepth:    opts.MaxDepth,
		logger:      logging.OrNop(opts.Logger),
	}
}

// Run answers req. Errors are *apperr.Error values; a panic anywhere inside
// is converted into an internal error. Every run is recorded in the metrics.
func (p *Pipeline) Run(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	if req.MaxLimit <= 0 {
		req.MaxLimit = DefaultMaxLimit
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic",
				zap.String("app_id", req.App.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			resp, err = nil, apperr.Internal(op, "internal error while answering the question")
		}
		p.record(req, time.Since(start), resp, err)
	}()

	return p.run(ctx, req)
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Response, error) {
	if p.gateway == nil || !p.gateway.Configured() {
		return nil, apperr.Configuration(op, "Hasura endpoint not configured on this server")
	}

	allowed := req.App.AllowedTables

	desc, err := p.describe(ctx, allowed)
	if err != nil {
		p.phaseFailed(req, PhaseExtractSchema, err)
		if errors.Is(err, hasura.ErrUnreachable) || errors.Is(err, hasura.ErrNotConfigured) {
			return nil, &apperr.Error{Kind: apperr.KindConfiguration, Op: op, Message: "gateway unreachable", Err: err}
		}
		return p.fallback(ctx, req, nil, "schema extraction failed: "+err.Error(), llm.Usage{})
	}
	if desc.Empty {
		return p.fallback(ctx, req, desc, desc.Text, llm.Usage{})
	}

	if p.generator == nil {
		return p.fallback(ctx, req, desc, "LLM not configured", llm.Usage{})
	}
	gen := p.generator.Generate(ctx, desc.Text, req.Prompt)
	usage := gen.Usage
	if !gen.Success {
		p.phaseFailed(req, PhaseGenerateQuery, errors.New(gen.Error))
		return p.fallback(ctx, req, desc, "query generation failed: "+gen.Error, usage)
	}

	if req.App.Role != apps.RoleWrite && security.IsMutation(gen.Query) {
		p.phaseFailed(req, PhaseValidateQuery, errors.New("mutation from read-only app"))
		return nil, apperr.Permission(op, "write access denied: this app has read-only permission")
	}
	scope := security.Scope{Links: desc.Links}
	verdict := scope.Validate(gen.Query, string(req.App.Role), allowed, p.maxDepth)
	if !verdict.Valid {
		p.phaseFailed(req, PhaseValidateQuery, errors.New(verdict.Reason))
		return p.fallback(ctx, req, desc, "query rejected: "+verdict.Reason, usage)
	}

	result, err := p.execute(ctx, gen.Query)
	if err != nil {
		p.phaseFailed(req, PhaseExecute, err)
		return p.fallback(ctx, req, desc, "query execution failed: "+err.Error(), usage)
	}

	var answer string
	if p.synthesizer != nil {
		summary := p.synthesizer.Summarize(ctx, req.Prompt, gen.Query, result)
		usage.Add(summary.Usage)
		answer = summary.Text
	} else {
		answer = "Query results:\n```json\n" + llm.FormatResult(result) + "\n```"
	}

	return &Response{
		Success:  true,
		Answer:   answer,
		Query:    gen.Query,
		Pipeline: BranchLLM,
		Data:     result,
		Usage:    usage,
	}, nil
}

func (p *Pipeline) describe(ctx context.Context, allowed []string) (*schema.Description, error) {
	if p.schema == nil {
		return &schema.Description{Empty: true, Text: "schema extraction disabled"}, nil
	}
	return p.schema.Describe(ctx, allowed)
}

// fallback answers with a rule-based count query
func (p *Pipeline) fallback(ctx context.Context, req Request, desc *schema.Description, reason string, usage llm.Usage) (*Response, error) {
	p.logger.Info("falling back to rule-based plan",
		zap.String("app_id", req.App.ID),
		zap.String("reason", logging.Truncate(reason, 200)))

	tables := p.plannerTables(ctx, req, desc)
	plan := llm.Plan(req.Prompt, tables, req.MaxLimit)
	if !plan.Success {
		p.phaseFailed(req, PhaseRuleBasedPlan, errors.New(plan.Error))
		return nil, apperr.Validation(op, plan.Error)
	}

	result, err := p.execute(ctx, plan.Query)
	if err != nil {
		p.phaseFailed(req, PhaseExecute, err)
		return nil, &apperr.Error{Kind: apperr.KindUpstream, Op: op, Message: "query error", Err: err}
	}

	return &Response{
		Success:        true,
		Answer:         llm.TemplateAnswer(req.Prompt, plan.SelectedTable, result),
		Query:          plan.Query,
		SelectedTable:  plan.SelectedTable,
		Pipeline:       BranchRuleBased,
		Data:           result,
		FallbackReason: reason,
		Usage:          usage,
	}, nil
}

// plannerTables is the allow-list of a restricted app, else the described
// tables, else the tracked tables from the gateway metadata
func (p *Pipeline) plannerTables(ctx context.Context, req Request, desc *schema.Description) []string {
	if req.App.Restricted() {
		return req.App.AllowedTables
	}
	if desc != nil && len(desc.Tables) > 0 {
		return desc.Tables
	}
	tables, err := p.gateway.TrackedTables(ctx, nil)
	if err != nil {
		p.phaseFailed(req, PhaseRuleBasedPlan, fmt.Errorf("load tracked tables: %w", err))
		return nil
	}
	return tables
}

// execute runs query with admin privileges and returns the response envelope
func (p *Pipeline) execute(ctx context.Context, query string) (map[string]any, error) {
	resp, err := p.gateway.Execute(ctx, query, nil, "")
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Map(), nil
}

func (p *Pipeline) phaseFailed(req Request, phase string, err error) {
	p.logger.Warn("pipeline phase failed",
		zap.String("app_id", req.App.ID),
		zap.String("phase", phase),
		zap.String("prompt", logging.Truncate(req.Prompt, 80)),
		zap.Error(err))
}

func (p *Pipeline) record(req Request, d time.Duration, resp *Response, err error) {
	if p.metrics == nil {
		return
	}
	meta := map[string]any{"app_id": req.App.ID}
	if resp != nil {
		meta["pipeline"] = resp.Pipeline
		p.metrics.Collectors().Branch(resp.Pipeline)
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	p.metrics.Record(MetricsTool, d, err == nil, errMsg, meta)
}
