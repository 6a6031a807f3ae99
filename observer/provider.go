package observer

import (
	"context"
	"time"

	atlas "github.com/nevindra/atlas"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps an atlas.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner atlas.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces, metrics,
// and logs. Optional capabilities of the inner provider (TokenCounter,
// FileUploader) are preserved: the returned value satisfies exactly the
// interfaces the inner provider does.
func WrapProvider(inner atlas.Provider, inst *Instruments) atlas.Provider {
	op := &ObservedProvider{inner: inner, inst: inst}
	tc, counts := inner.(atlas.TokenCounter)
	fu, uploads := inner.(atlas.FileUploader)
	switch {
	case counts && uploads:
		return &observedFull{ObservedProvider: op, tc: tc, fu: fu}
	case counts:
		return &observedCounter{ObservedProvider: op, tc: tc}
	case uploads:
		return &observedUploader{ObservedProvider: op, fu: fu}
	default:
		return op
	}
}

func (o *ObservedProvider) Name() string     { return o.inner.Name() }
func (o *ObservedProvider) Available() bool  { return o.inner.Available() }
func (o *ObservedProvider) Models() []string { return o.inner.Models() }

func (o *ObservedProvider) SupportsReasoning(model string) bool {
	return o.inner.SupportsReasoning(model)
}

func (o *ObservedProvider) GenerateStream(ctx context.Context, req atlas.GenerateRequest, ch chan<- atlas.StreamChunk) (atlas.Usage, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate_stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrReasoning.Bool(req.IncludeReasoning),
	))
	defer span.End()
	start := time.Now()

	// Wrap the channel to count chunks. The goroutine forwards chunks from
	// wrappedCh to the caller's ch and closes ch when the inner provider
	// closes wrappedCh. Buffer wrappedCh generously so the inner provider
	// never blocks on send, preventing a deadlock where the goroutine can't
	// drain wrappedCh because ch is full and nobody reads ch until
	// GenerateStream returns.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan atlas.StreamChunk, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for chunk := range wrappedCh {
			chunks++
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	usage, err := o.inner.GenerateStream(ctx, req, wrappedCh)
	<-done // wait for goroutine to finish before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, req.Model, status, durationMs, usage)
	return usage, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, status string, durationMs float64, usage atlas.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm stream completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// observedCounter adds TokenCounter pass-through for providers that count
// tokens natively.
type observedCounter struct {
	*ObservedProvider
	tc atlas.TokenCounter
}

func (o *observedCounter) CountTokens(model, text string) (int, error) {
	return o.tc.CountTokens(model, text)
}

// observedUploader adds FileUploader pass-through.
type observedUploader struct {
	*ObservedProvider
	fu atlas.FileUploader
}

func (o *observedUploader) Upload(ctx context.Context, path, originalName string) (string, error) {
	return o.fu.Upload(ctx, path, originalName)
}

// observedFull carries both optional capabilities.
type observedFull struct {
	*ObservedProvider
	tc atlas.TokenCounter
	fu atlas.FileUploader
}

func (o *observedFull) CountTokens(model, text string) (int, error) {
	return o.tc.CountTokens(model, text)
}

func (o *observedFull) Upload(ctx context.Context, path, originalName string) (string, error) {
	return o.fu.Upload(ctx, path, originalName)
}

var _ atlas.Provider = (*ObservedProvider)(nil)
