package mesh

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/rudransh-shrivastava/peer-mesh/internal/mesh"

// Span names.
const (
	SpanCreateOffer = "peermesh.create_offer"
	SpanAcceptOffer = "peermesh.accept_offer"
	SpanApplyAnswer = "peermesh.apply_answer"
	SpanRelayOffer  = "peermesh.relay_offer"
	SpanRelayAnswer = "peermesh.relay_answer"
	SpanReoffer     = "peermesh.reoffer"
	SpanHandshake   = "peermesh.handshake"
)

// Attribute keys.
const (
	AttrLinkKey         = "link.key"
	AttrPeerID          = "peer.id"
	AttrTargetPeerID    = "peer.target_id"
	AttrHandshakeResult = "handshake.result"
)

type tracer struct {
	tracer trace.Tracer
}

func newTracer(provider trace.TracerProvider) *tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &tracer{tracer: provider.Tracer(tracerName)}
}

func (t *tracer) startNegotiation(ctx context.Context, name, key, target string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String(AttrLinkKey, key)}
	if target != "" {
		attrs = append(attrs, attribute.String(AttrTargetPeerID, target))
	}
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// handshake records a completed handshake as a zero-length span.
func (t *tracer) handshake(key, peerID, result string) {
	_, span := t.tracer.Start(context.Background(), SpanHandshake,
		trace.WithAttributes(
			attribute.String(AttrLinkKey, key),
			attribute.String(AttrPeerID, peerID),
			attribute.String(AttrHandshakeResult, result),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.End()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
