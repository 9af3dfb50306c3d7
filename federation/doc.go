// Package federation tracks the participants of a run: one aggregator and
// an ordered set of collaborators. The registry resolves per-step
// include/exclude filters into deterministic effective subsets, which is
// what keeps fan-out order identical across execution backends.
package federation
