// Package cache implements the persistent disk tier: a size-bounded key→blob
// store whose entry lifecycle (DIRTY → CLEAN / REMOVE) is recorded in an
// append-only journal. The journal is replayed on Open to rebuild the LRU
// index, abandoned edits are cleaned up, a truncated tail is dropped, and an
// appVersion change wipes the directory. Writers go through an Editor that
// stages values in temp files and publishes them with rename on Commit;
// readers get a Snapshot holding open file handles so later evictions do not
// disturb them. The resolver depends on this package for its disk tier.
package cache
