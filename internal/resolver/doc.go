// Package resolver chains the memory, disk and remote tiers behind a single
// asynchronous Resolve call.
//
// A lookup probes memory inline. On a miss the key joins (or starts) a
// flight that runs on the worker pool, probes the disk tier, then the remote
// fetcher, and populates every faster tier on the way back. Concurrent
// lookups of one key share a flight; canceling one observer never aborts it.
// Each Result carries a Trace of per-tier outcomes.
package resolver
