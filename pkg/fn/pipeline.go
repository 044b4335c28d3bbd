package fn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/WessleyAI/docrag/pkg/fn"

// Stage is one step of a pipeline.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then runs second on the output of first. A failure, or a context that
// ended between the two, skips second.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		r := first(ctx, a)
		if r.IsErr() {
			_, err := r.Unwrap()
			return Err[C](err)
		}
		if err := ctx.Err(); err != nil {
			return Err[C](err)
		}
		v, _ := r.Unwrap()
		return second(ctx, v)
	}
}

// MapStage wraps a pure function as a Stage.
func MapStage[In, Out any](f func(In) Out) Stage[In, Out] {
	return func(_ context.Context, in In) Result[Out] {
		return Ok(f(in))
	}
}

// LiftStage wraps a (value, error) function as a Stage.
func LiftStage[In, Out any](f func(context.Context, In) (Out, error)) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		return FromPair(f(ctx, in))
	}
}

// MapErr rewrites the error of a failed stage, e.g. to tag it.
func MapErr[In, Out any](stage Stage[In, Out], f func(error) error) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		r := stage(ctx, in)
		if r.IsErr() {
			_, err := r.Unwrap()
			return Err[Out](f(err))
		}
		return r
	}
}

// TracedStage wraps a stage with an OTel span named after the stage.
func TracedStage[In, Out any](name string, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer(tracerName).Start(ctx, name)
		defer span.End()
		span.SetAttributes(attribute.String("stage", name))
		result := stage(ctx, in)
		if result.IsErr() {
			_, err := result.Unwrap()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result
	}
}
