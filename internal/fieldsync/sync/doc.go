// Package sync merges remote observations into the local store.
//
// # Overview
//
// The remote store is authoritative for merges, the local store for reads.
// The Syncer moves data one way, remote to local:
//
//	RemoteStore
//	     ├── LoadObservations              → Pull (one batch)
//	     └── LoadObservationsAndStreamChanges → Follow (snapshot + live)
//	                                      ↓
//	                                   Syncer
//	                                      ↓
//	                                 LocalStore
//
// Outgoing edits take the other direction through the dispatch package.
//
// # Usage
//
//	syncer := sync.New(store, remoteStore, nil)
//
//	// One-shot refresh, bounded by the caller's context
//	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	stats, err := syncer.Pull(ctx, feature)
//
//	// Long-lived observer
//	go syncer.Follow(ctx, feature)
//
// # Error Handling
//
// The syncer is resilient to individual item failures:
//
//   - Malformed remote documents are logged and skipped
//   - Merge failures of one item do not stop the batch
//   - Pull returns an error only when the remote load itself fails
//   - Follow restarts the changefeed with backoff until its context ends
package sync
