// Package scattergather implements a durable scatter-gather coordination
// gateway: it tracks the progress of a logical operation split into many
// independent parts, typically processed by a distributed pool of workers,
// and fires a single completion handler exactly once, when every part has
// been gathered. State is held in an external store, behind the [Storage]
// interface, so that coordination survives process restarts, and tolerates
// workers running in separate processes or machines.
//
// The gateway has no internal threading, and holds no in-process state
// between calls; all concurrency comes from callers, which may span
// processes. Correctness rests on two capabilities every [Storage]
// implementation must provide: an atomic conditional claim of the request
// row, and strongly-consistent reads of the part rows.
//
// See also the memory, dynamodb, and mongodb packages, which provide
// [Storage] implementations, and the storagetest package, which provides a
// conformance suite for implementing your own.
package scattergather
