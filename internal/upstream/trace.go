package upstream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/okra-platform/authzfilter/internal/upstream"

// tracedCaller wraps every call in a client span. Without an installed
// provider the global tracer is a no-op.
type tracedCaller struct {
	Caller
	tracer trace.Tracer
	attrs  []attribute.KeyValue
}

func traced(spec Spec, c Caller) Caller {
	return &tracedCaller{
		Caller: c,
		tracer: otel.Tracer(tracerName),
		attrs: []attribute.KeyValue{
			attribute.String("authz.upstream", spec.Name),
			attribute.String("authz.upstream.kind", string(spec.Kind)),
		},
	}
}

func (t *tracedCaller) Call(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, span := t.tracer.Start(ctx, "authz.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.attrs...),
		trace.WithAttributes(attribute.Int("authz.request.bytes", len(payload))),
	)
	defer span.End()

	out, err := t.Caller.Call(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("authz.response.bytes", len(out)))
	return out, nil
}

// Unwrap returns the transport caller.
func (t *tracedCaller) Unwrap() Caller { return t.Caller }
