// Package broadcast provides the fan-out message broadcaster.
//
// The broadcaster is used when one rendered notification needs to reach many
// subscriber chats. Jobs are submitted with Submit and executed by a bounded
// worker pool so callers (the scan timer in particular) never block on
// network sends.
//
// Delivery semantics
//
// Within one job every target is attempted concurrently. A target either
// ends Delivered (with the message handle) or Failed; a rate-limited target
// stays pending and is re-attempted by a shared sweep: the job waits the
// maximum backoff requested across all rate-limited targets, once, then
// retries every still-pending target together. Unrecoverable failures never
// block the other targets. The job's OnComplete callback fires exactly once,
// after every target in the original set has a final outcome.
//
// Naming
//
// Job names are intended for observability and should be namespaced by the
// caller (for example "level-added:42") to avoid collisions.
package broadcast
