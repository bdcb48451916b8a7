// Package loop implements the single-writer event loop shared by the
// session manager, the optimistic mutation engine, and the realtime
// reconciler.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every state transition is a Task posted to one FIFO queue and executed by
// the one goroutine running Run. This ensures:
//   - No two transitions interleave mid-update
//   - Transitions apply in the order their triggers were posted
//   - Shared state needs no locks; readers use published snapshots
//
// Suspension Points:
// Identity-provider calls, remote-store reads/writes, and push-channel reads
// run on their own goroutines. When they finish they Post a continuation
// back to the loop. Nothing running on the loop goroutine may block.
//
// Logical Clock:
// Published snapshots are stamped with Clock.Next(). Use the sequence number
// for ordering, never the wall clock.
package loop
