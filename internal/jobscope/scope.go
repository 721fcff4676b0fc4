// Package jobscope brackets one job's handler invocation with its own
// logger and APM transaction.
//
// Nothing here is ambient: the logger and the transaction travel inside the
// context.Context handed to the handler, so two jobs running at the same
// instant can only ever see their own. Handlers read them back with
// [Logger] and [Transaction].
package jobscope

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/domain"
)

const (
	DefaultName     = "trigger-handler-queue"
	DefaultCategory = "Trigger Engine"

	categoryKey = attribute.Key("transaction.category")
)

type loggerKey struct{}

// SetupError means the scope could not be opened. The handler did not run.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return "open job scope: " + e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// PanicError carries a panic recovered inside the scope.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Runner opens a scope per job.
type Runner struct {
	Logger   *zap.Logger
	Tracer   trace.Tracer
	Name     string
	Category string

	// OnOpen runs after the transaction starts and before the handler. An
	// error aborts the job as a setup failure.
	OnOpen func(ctx context.Context, job domain.Job) (context.Context, error)
}

// Run calls fn inside a fresh scope for job. The transaction is started
// immediately before fn and ended exactly once on every exit path. A panic
// in fn is returned as *PanicError; a panic in OnOpen as a *SetupError
// wrapping one.
func (rn Runner) Run(ctx context.Context, job domain.Job, fn func(ctx context.Context) error) (err error) {
	if rn.Logger == nil {
		return &SetupError{Err: errors.New("no logger")}
	}
	if rn.Tracer == nil {
		return &SetupError{Err: errors.New("no tracer")}
	}
	name, category := rn.Name, rn.Category
	if name == "" {
		name = DefaultName
	}
	if category == "" {
		category = DefaultCategory
	}

	ctx, span := rn.Tracer.Start(ctx, name,
		trace.WithNewRoot(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			categoryKey.String(category),
			attribute.String("messaging.destination.name", job.Queue),
			attribute.String("messaging.message.id", job.ID),
			attribute.Int("job.attempt", job.AttemptsStarted),
		),
	)
	defer span.End()

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Int("attempt", job.AttemptsStarted),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	ctx = context.WithValue(ctx, loggerKey{}, rn.Logger.With(fields...))

	opened := false
	defer func() {
		if p := recover(); p != nil {
			pe := &PanicError{Value: p, Stack: debug.Stack()}
			span.AddEvent("panic", trace.WithAttributes(
				attribute.String("exception.message", fmt.Sprint(p)),
				attribute.String("exception.stacktrace", string(pe.Stack)),
			))
			err = pe
			if !opened {
				err = &SetupError{Err: pe}
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	if rn.OnOpen != nil {
		next, hookErr := rn.OnOpen(ctx, job)
		if hookErr != nil {
			return &SetupError{Err: hookErr}
		}
		if next != nil {
			ctx = next
		}
	}
	opened = true

	return fn(ctx)
}

// Logger returns the job's logger, or a no-op logger outside a scope.
func Logger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// Transaction returns the job's APM transaction. Outside a scope it is a
// non-recording span.
func Transaction(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
