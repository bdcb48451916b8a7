// Package optimistic applies speculative mutations before the remote
// authority confirms them, then reconciles.
//
// Two containers share one engine:
//   - Value[T]: a single scalar value (Apply)
//   - Collection[T]: an ordered sequence keyed by entity identifier
//     (Insert, Update, Remove)
//
// # Layered State
//
// Every entity key owns a slot: the last confirmed value (the base) plus an
// ordered list of pending speculative layers, one per in-flight mutation.
// The visible value is the layers folded over the base.
//
//   - Confirmation: the layer is dropped and the base becomes the value the
//     authority returned. The authority wins even if it differs from the
//     speculation (a Conflict reconciliation, logged and counted).
//   - Failure: the layer is dropped, so the visible value returns to what it
//     was before the write. With rollback disabled the speculation is baked
//     into the base instead.
//   - Remote merges (Upsert, Replace, Delete, Value.Set) that change the
//     base supersede the layers whose commits are in flight: they stop
//     showing, so the later write wins outright instead of merging field by
//     field. A confirmation arriving afterwards is the later write and
//     becomes the base; a failure leaves the pushed value. Layers still
//     queued behind them commit after the push and keep showing on top.
//     ReplaceAll is a bulk load and keeps pending layers on top.
//
// # Serialization
//
// PerKey (default): commits for one key run one at a time in issue order;
// the next one starts when the previous one resolves. Speculation is still
// applied immediately, so the interface stays responsive.
//
// Concurrent: every commit starts immediately and the last confirmation to
// arrive wins.
//
// # Threading
//
// All slot state is owned by the loop goroutine. Public methods may be
// called from any goroutine except the loop itself for Wait-style calls;
// they post work and return a *Mutation handle. Reads (Items, Get) return
// the last published snapshot without locking. Commits run on their own
// goroutine with the caller's context; the engine adds no timeout.
package optimistic
