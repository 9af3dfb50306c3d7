// Package workflow models a federated computation as a validated task
// graph: steps bound to participant roles, connected by transitions, with
// explicit loop-back edges delimiting rounds.
//
// Graphs are declared through the fluent Builder and validated exactly
// once at Build time. A built Graph is immutable and safe for concurrent
// reads; the runtime backends and the run controller only query it.
package workflow
