// OpenTelemetry tracing for method calls, signals and session joins.
package telemetry

import (
	"context"
	"maps"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/wire"
)

// Tracer starts bus spans. Without debug, argument signatures and error
// text stay out of span data.
type Tracer struct {
	tracer trace.Tracer
	debug  bool
}

var global atomic.Pointer[Tracer]

// SetGlobalTracer sets the tracer new attachments pick up. nil restores
// the no-op tracer.
func SetGlobalTracer(t *Tracer) { global.Store(t) }

// GetTracer returns the global tracer or a no-op one.
func GetTracer() *Tracer {
	if t := global.Load(); t != nil {
		return t
	}
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer takes its spans from the global otel provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(name), debug: debug}
}

func (t *Tracer) SetDebug(debug bool) { t.debug = debug }
func (t *Tracer) Debug() bool         { return t.debug }

func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// CallSpanOptions describes a method call.
type CallSpanOptions struct {
	Interface   string
	Member      string
	Destination string
	Path        string
	SessionID   uint32
	Signature   string // Only included if debug=true
}

// StartCallSpan starts a client span for an outbound method call.
func (t *Tracer) StartCallSpan(ctx context.Context, opts CallSpanOptions) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "call "+opts.Interface+"."+opts.Member, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(callAttributes(opts, t.debug)...)
	return ctx, span
}

// StartHandlerSpan starts a server span for an inbound method call. The
// parent is taken from the message trace context.
func (t *Tracer) StartHandlerSpan(ctx context.Context, m *wire.Message) (context.Context, trace.Span) {
	ctx = ExtractMessage(ctx, m)
	ctx, span := t.tracer.Start(ctx, "handle "+m.Interface+"."+m.Member, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("bus.interface", m.Interface),
		attribute.String("bus.member", m.Member),
		attribute.String("bus.path", m.Path),
		attribute.String("bus.sender", m.Sender),
	)
	if m.SessionID != 0 {
		span.SetAttributes(attribute.Int64("bus.session_id", int64(m.SessionID)))
	}
	return ctx, span
}

func callAttributes(opts CallSpanOptions, debug bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("bus.interface", opts.Interface),
		attribute.String("bus.member", opts.Member),
		attribute.String("bus.destination", opts.Destination),
		attribute.String("bus.path", opts.Path),
	}
	if opts.SessionID != 0 {
		attrs = append(attrs, attribute.Int64("bus.session_id", int64(opts.SessionID)))
	}
	if debug && opts.Signature != "" {
		attrs = append(attrs, attribute.String("bus.signature", opts.Signature))
	}
	return attrs
}

// StartSignalSpan starts a producer span for an emitted signal.
func (t *Tracer) StartSignalSpan(ctx context.Context, iface, member string, sessionID uint32) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "signal "+iface+"."+member, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("bus.interface", iface),
		attribute.String("bus.member", member),
	)
	if sessionID != 0 {
		span.SetAttributes(attribute.Int64("bus.session_id", int64(sessionID)))
	}
	return ctx, span
}

// StartJoinSpan starts a client span for a session join.
func (t *Tracer) StartJoinSpan(ctx context.Context, host string, port uint16) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "session.join", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("session.host", host),
		attribute.Int("session.port", int(port)),
	)
	return ctx, span
}

// EndSpan records err's bus code on span and ends it. The status text is
// the code alone unless debug is on.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	code := string(buserr.Code(err))
	span.SetAttributes(attribute.String("bus.error_code", code))
	span.RecordError(err)
	if t.debug {
		code = err.Error()
	}
	span.SetStatus(codes.Error, code)
}

// InjectMessage stores the trace context of ctx in the message trace
// field. Nothing is stored when ctx carries no span.
func InjectMessage(ctx context.Context, m *wire.Message) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	if m.Trace == nil {
		m.Trace = make(map[string]string, len(carrier))
	}
	maps.Copy(m.Trace, carrier)
}

// ExtractMessage returns ctx with the trace context carried by m.
func ExtractMessage(ctx context.Context, m *wire.Message) context.Context {
	if len(m.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Trace))
}
