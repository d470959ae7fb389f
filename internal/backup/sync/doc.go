// Package sync reconciles local directory trees against a remote backup store.
//
// # Reconciliation passes
//
// Engine.SyncRoot walks one root depth first. A directory is only examined
// when its local modification time differs from the time recorded remotely;
// an unchanged directory is skipped, but its subdirectories are still
// visited because a nested change does not touch the parent's mtime.
//
// For a changed directory the pass:
//   - soft-deletes, in one batch, the remote files that no longer exist locally
//   - uploads local files that are new or strictly newer than the remote copy
//   - soft-deletes remote subdirectories that no longer exist locally
//     (Config.DeleteMissingDirectories)
//
// The directory's remote modification time is recorded only after all of its
// children, and their subtrees, succeeded. A failed item therefore leaves its
// ancestors uncommitted and the next pass retries it.
//
// # Live actions
//
// Engine.Apply handles single settled changes from a watcher:
//
//	created, modified  upload the file
//	renamed            upload under the new path, relinking the old record
//	deleted            deferred to the next reconciliation pass
//
// # Ignore rules
//
// Ignorer excludes the client's own state database and sqlite journals by
// default. Patterns without a separator match base names; patterns with one
// exclude a whole subtree.
package sync
