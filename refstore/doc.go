// Package refstore provides the content-addressed artifact store shared
// by all participants of a run. Artifacts are keyed by (owner, round,
// name), immutable once written, and private to their owner unless
// published shareable.
//
// Two backends are provided: MemoryStore for single-process runs and
// tests, and RedisStore for distributed deployments. Both hand out value
// copies on Resolve, enforce at-most-one writer per key, and keep an
// ordered publish journal used for checkpoints and for comparing runs
// across execution backends.
package refstore
