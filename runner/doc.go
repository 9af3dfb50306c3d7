// Package runner drives workflow execution: the Controller walks the
// graph step by step and round by round, resolves effective participant
// subsets, dispatches to a runtime backend, waits out join barriers, and
// folds instance outputs into the reference store. It owns the RunState
// for the run and persists step-boundary checkpoints that a later
// Controller can Resume from without changing the observable artifact
// sequence.
package runner
