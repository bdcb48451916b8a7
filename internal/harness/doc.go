// Package harness replays scripted optimistic-mutation scenarios.
//
// A scenario seeds a collection of records, then issues mutations whose
// commits are held until a later release step scripts their outcome, and
// interleaves remote events between them. After every step the harness
// waits for the loop to settle and records the visible state, so a trace
// is reproducible byte for byte.
//
// Scenario format:
//
//	name: rollback_restores_original
//	description: A failed update leaves the original value visible.
//	serialization: per_key        # or concurrent
//	initial:
//	  - {id: t1, title: Draft, status: todo}
//	steps:
//	  - update: {as: m1, id: t1, set: {status: done}}
//	  - release: {mutation: m1, error: transient}
//	assertions:
//	  - {type: visible, items: [{id: t1, title: Draft, status: todo}]}
//	  - {type: status, mutation: m1, status: rolled_back}
//
// Traces are compared against golden files with goldie:
//
//	go test ./internal/harness -update
package harness
