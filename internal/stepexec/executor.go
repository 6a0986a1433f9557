// Package stepexec turns free-form model output into schema-validated JSON.
//
// Each call prepends a JSON-only system instruction, sends the conversation
// to the model, extracts and validates a JSON document, and on failure feeds
// the model its own reply together with concrete corrections. After
// MaxRetries+1 model calls without a valid document the executor gives up
// with a *ValidationExhaustedError.
package stepexec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repoflow/internal/extract"
	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
	"github.com/fyrsmithlabs/repoflow/internal/llm"
	"github.com/fyrsmithlabs/repoflow/internal/logging"
	"github.com/fyrsmithlabs/repoflow/internal/schema"
)

const instrumentationName = "github.com/fyrsmithlabs/repoflow/internal/stepexec"

const guardInstruction = "You are a precise assistant that responds with exactly one JSON value " +
	"and nothing else: no prose, no explanations, no markdown code fences. " +
	"The JSON must conform to this JSON Schema:\n"

const notJSONCorrection = "Your previous reply (quoted above) was not valid JSON. " +
	"Reply again with only the JSON document, no prose and no markdown."

// Request is one structured-output step.
type Request struct {
	Model       string
	Temperature float64
	Messages    []llm.Message

	// SchemaName selects a registered schema when Schema is nil.
	SchemaName string
	Schema     *jsonschema.Schema

	// SystemGuard is appended to the JSON-only system instruction.
	SystemGuard   string
	CorrelationID string

	// MaxRetries is the number of corrective retries after the first call.
	MaxRetries int
}

// Result is a validated document.
type Result struct {
	JSON          any
	Raw           string
	Attempts      int
	CorrelationID string
}

// Executor runs structured-output steps against a model client.
type Executor struct {
	client  llm.Client
	schemas *schema.Registry
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *metrics
}

// Option configures an Executor.
type Option func(*options)

type options struct {
	tracer trace.Tracer
	meter  metric.Meter
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter overrides the global meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// NewExecutor creates an Executor. schemas may be nil when every request
// carries an inline schema.
func NewExecutor(client llm.Client, schemas *schema.Registry, logger *logging.Logger, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, errors.New("model client is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if schemas == nil {
		schemas = schema.NewRegistry()
	}

	o := options{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := newMetrics(o.meter)
	if err != nil {
		return nil, err
	}

	return &Executor{
		client:  client,
		schemas: schemas,
		logger:  logger.Named("stepexec"),
		tracer:  o.tracer,
		metrics: m,
	}, nil
}

// Execute returns the first model reply that parses as JSON and validates
// against the request schema.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	s, name, err := e.resolveSchema(req)
	if err != nil {
		return nil, err
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = logging.WithCorrelationID(ctx, correlationID)
	maxRetries := max(req.MaxRetries, 0)

	ctx, span := e.tracer.Start(ctx, "stepexec.execute", trace.WithAttributes(
		attribute.String("schema", name),
		attribute.String("model", req.Model),
		attribute.Int("max_retries", maxRetries),
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	conv := NewConversation(llm.Message{Role: llm.RoleSystem, Content: guardMessage(s, req.SystemGuard)}).
		With(req.Messages...)

	var (
		lastRaw    string
		lastErrors []schema.FieldError
	)
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		raw, err := e.client.Complete(ctx, llm.Request{
			Model:       req.Model,
			Temperature: req.Temperature,
			Messages:    conv.Messages(),
		})
		if err != nil {
			e.metrics.attempt(ctx, name, outcomeUpstream)
			e.metrics.finished(ctx, name, attempt, false)
			span.RecordError(err)
			span.SetStatus(codes.Error, "model call failed")
			e.logger.Warn(ctx, "model call failed", zap.String("schema", name), zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		lastRaw = raw
		conv = conv.With(llm.Message{Role: llm.RoleAssistant, Content: raw})

		value, ok := extract.JSON(raw)
		if !ok {
			lastErrors = []schema.FieldError{{Path: "$", Message: "output was not valid JSON"}}
			e.metrics.attempt(ctx, name, outcomeNotJSON)
			e.logger.Debug(ctx, "model reply was not JSON", zap.String("schema", name), zap.Int("attempt", attempt))
			conv = conv.With(llm.Message{Role: llm.RoleUser, Content: notJSONCorrection})
			continue
		}

		res := schema.Validate(value, s)
		if res.Valid {
			e.metrics.attempt(ctx, name, outcomeValid)
			e.metrics.finished(ctx, name, attempt, true)
			span.SetAttributes(attribute.Int("attempts", attempt))
			return &Result{JSON: value, Raw: raw, Attempts: attempt, CorrelationID: correlationID}, nil
		}

		lastErrors = res.Errors
		e.metrics.attempt(ctx, name, outcomeInvalid)
		e.logger.Debug(ctx, "model reply failed validation",
			zap.String("schema", name), zap.Int("attempt", attempt), zap.String("errors", res.String()))
		conv = conv.With(llm.Message{Role: llm.RoleUser, Content: validationCorrection(res.Errors)})
	}

	attempts := maxRetries + 1
	e.metrics.finished(ctx, name, attempts, false)
	exhausted := &ValidationExhaustedError{
		SchemaName:    name,
		Attempts:      attempts,
		Errors:        lastErrors,
		Raw:           lastRaw,
		CorrelationID: correlationID,
	}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "validation exhausted")
	e.logger.Warn(ctx, "structured output validation exhausted", zap.String("schema", name), zap.Int("attempts", attempts))
	return nil, exhausted
}

// Text sends req.Messages as-is and returns the raw reply. It is used by
// steps without a schema.
func (e *Executor) Text(ctx context.Context, req Request) (*Result, error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx, span := e.tracer.Start(ctx, "stepexec.text", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	msgs := req.Messages
	if req.SystemGuard != "" {
		msgs = NewConversation(llm.Message{Role: llm.RoleSystem, Content: req.SystemGuard}).With(msgs...).Messages()
	}
	raw, err := e.client.Complete(ctx, llm.Request{Model: req.Model, Temperature: req.Temperature, Messages: msgs})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		return nil, err
	}
	return &Result{JSON: raw, Raw: raw, Attempts: 1, CorrelationID: correlationID}, nil
}

func (e *Executor) resolveSchema(req Request) (*jsonschema.Schema, string, error) {
	if req.Schema != nil {
		return req.Schema, req.SchemaName, nil
	}
	if req.SchemaName == "" {
		return nil, "", fmt.Errorf("%w: schema or schema name required", flowerr.ErrInvalidRequest)
	}
	s, err := e.schemas.Get(req.SchemaName)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", flowerr.ErrInvalidRequest, err)
	}
	return s, req.SchemaName, nil
}

func guardMessage(s *jsonschema.Schema, systemGuard string) string {
	msg := guardInstruction + schema.Describe(s)
	if g := strings.TrimSpace(systemGuard); g != "" {
		msg += "\n\n" + g
	}
	return msg
}

func validationCorrection(errs []schema.FieldError) string {
	var b strings.Builder
	b.WriteString("Your previous reply (quoted above) did not match the schema:\n")
	for _, fe := range errs {
		fmt.Fprintf(&b, "- %s: %s\n", fe.Path, fe.Message)
	}
	b.WriteString("Return the corrected JSON document only.")
	return b.String()
}
