package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/emergence-labs/agora/pkg/contracts"
	"github.com/emergence-labs/agora/pkg/llm"
)

// Kernel semantic convention attributes.
var (
	AttrIntentKind  = attribute.Key("agora.intent.kind")
	AttrPrincipalID = attribute.Key("agora.principal.id")
	AttrErrorCode   = attribute.Key("agora.error.code")

	AttrLLMProvider = attribute.Key("agora.llm.provider")
	AttrLLMModel    = attribute.Key("agora.llm.model")
	AttrTokenKind   = attribute.Key("agora.llm.token_kind")
)

// DispatchObserver returns the hook the dispatcher calls after every
// settled intent. Safe to install on a disabled provider.
func (p *Provider) DispatchObserver() func(ctx context.Context, in *contracts.Intent, res *contracts.ActionResult, elapsed time.Duration) {
	return func(ctx context.Context, in *contracts.Intent, res *contracts.ActionResult, elapsed time.Duration) {
		attrs := metric.WithAttributes(
			AttrIntentKind.String(string(in.Kind)),
			AttrPrincipalID.String(in.PrincipalID),
		)
		if p.dispatchTotal != nil {
			p.dispatchTotal.Add(ctx, 1, attrs)
		}
		if p.dispatchDuration != nil {
			p.dispatchDuration.Record(ctx, elapsed.Seconds(), attrs)
		}
		if !res.Success && p.dispatchErrors != nil {
			p.dispatchErrors.Add(ctx, 1, metric.WithAttributes(
				AttrIntentKind.String(string(in.Kind)),
				AttrPrincipalID.String(in.PrincipalID),
				AttrErrorCode.String(string(res.ErrorCode)),
			))
		}
	}
}

// TrackDispatch marks an intent in flight; the returned func marks it
// settled. The dispatcher's observer records the rest.
func (p *Provider) TrackDispatch(ctx context.Context, kind contracts.IntentKind) func() {
	if p.dispatchActive == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(AttrIntentKind.String(string(kind)))
	p.dispatchActive.Add(ctx, 1, attrs)
	return func() { p.dispatchActive.Add(ctx, -1, attrs) }
}

// LLMRecorder returns the hook the gateway calls after every settled model
// call. Safe to install on a disabled provider.
func (p *Provider) LLMRecorder() func(ctx context.Context, rec llm.CallRecord) {
	return func(ctx context.Context, rec llm.CallRecord) {
		attrs := metric.WithAttributes(
			AttrLLMProvider.String(rec.Provider),
			AttrLLMModel.String(rec.Model),
		)
		if p.llmCalls != nil {
			p.llmCalls.Add(ctx, 1, attrs)
		}
		if p.llmCost != nil {
			p.llmCost.Add(ctx, rec.Cost, attrs)
		}
		if p.llmDuration != nil {
			p.llmDuration.Record(ctx, rec.Elapsed.Seconds(), attrs)
		}
		if p.llmTokens != nil {
			p.llmTokens.Add(ctx, int64(rec.Usage.PromptTokens), metric.WithAttributes(
				AttrLLMProvider.String(rec.Provider),
				AttrLLMModel.String(rec.Model),
				AttrTokenKind.String("prompt"),
			))
			p.llmTokens.Add(ctx, int64(rec.Usage.CompletionTokens), metric.WithAttributes(
				AttrLLMProvider.String(rec.Provider),
				AttrLLMModel.String(rec.Model),
				AttrTokenKind.String("completion"),
			))
		}
	}
}

// ObserveLoops registers a gauge polled at export time with the number of
// live agent loops and how many of them are hibernating.
func (p *Provider) ObserveLoops(running func() int, frozen func() int) error {
	if p.meter == nil {
		return nil
	}
	state := attribute.Key("agora.loop.state")
	_, err := p.meter.Int64ObservableGauge("agora.loops",
		metric.WithDescription("Agent loops by state"),
		metric.WithUnit("{loop}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			f := frozen()
			o.Observe(int64(running()-f), metric.WithAttributes(state.String("running")))
			o.Observe(int64(f), metric.WithAttributes(state.String("hibernating")))
			return nil
		}),
	)
	return err
}

// SpanFromContext extracts the span from context, a no-op span if none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
