// Package atlas is the concurrent chat execution core of a multi-provider
// LLM assistant backend.
//
// It coordinates many concurrent chat sessions, each streaming tokens from a
// remote language-model provider, and provides the pieces that make that safe:
//
//   - [Dispatcher] — the single entry point per user turn: dedup, persistence,
//     routing, rate-limit reservation, and engine selection.
//   - [Engine] — goroutine-based turn execution with retry-wrapped provider
//     streaming, throttled persistence, and stop/cancel/resume semantics.
//   - [Pool] — a pool of subprocess workers for turns that need process
//     isolation, speaking length-prefixed JSON frames over stdio.
//   - [Bus] — process-wide publish/subscribe with a bounded replay backlog
//     feeding any number of reconnecting SSE subscribers.
//   - [Limiter] — multi-scope request/token reservations over minute, hour,
//     and day windows with post-hoc finalization.
//   - [Versioner] — the branch tree produced by edit/retry/delete operations
//     on past messages.
//
// Storage backends live in store/sqlite and store/postgres, provider adapters
// in provider/openaicompat and provider/gemini, the HTTP/SSE surface in
// internal/server, and OTEL instrumentation in observer.
//
// # Quick start
//
//	st := sqlite.New("data/atlas.db")
//	bus := atlas.NewBus()
//	lim := atlas.NewLimiter(atlas.NewConfigResolver())
//	reg := atlas.NewRegistry()
//	reg.Register(openaicompat.NewProvider(apiKey, model, "https://api.openai.com/v1"))
//
//	eng := atlas.NewEngine(st, bus, lim, reg)
//	disp := atlas.NewDispatcher(st, bus, lim, reg, atlas.WithEngine(eng))
//	err := disp.StartTurn(ctx, atlas.TurnRequest{ChatID: chatID, Message: "hi"})
package atlas
