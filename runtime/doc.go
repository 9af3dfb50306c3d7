// Package runtime provides the two interchangeable execution backends.
//
// LocalBackend runs every participant instance of a step sequentially on
// the calling goroutine in registry order. DistributedBackend hosts one
// isolated worker goroutine per participant and dispatches instances
// concurrently, joining at a barrier before returning. Both implement the
// same Backend contract and buffer published artifacts per instance; the
// run controller folds the buffers into the shared reference store in
// registry order, which is what makes the observable artifact sequence
// independent of the backend.
package runtime
