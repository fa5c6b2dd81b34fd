// ABOUTME: Root gcheap package providing version information and package documentation
// ABOUTME: The engine itself lives in the heap, graph, finalize and alloc packages

// Package gcheap models a managed heap with a mark/sweep collector,
// referrer queries over the live object graph, exact per-thread
// allocation accounting and an asynchronous finalization scheduler that
// supports re-registration.
package gcheap

// Version is the semantic version of the gcheap library and gcsim tool
const Version = "0.2.0-dev"
