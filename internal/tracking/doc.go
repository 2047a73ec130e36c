// Package tracking keeps the per-user usage history the risk engine scores:
// device fingerprints classified into trust tiers, and per (user, IP)
// attempt/failure counters with a per-user distinct-IP set.
//
// Both trackers are safe for concurrent use. State lives in sync.Map
// instances holding one mutex-guarded record per key, so contention is
// per-key. Sweeps mark a record removed before deleting it; writers that
// observe a removed record retry against a fresh one, so no update is lost
// to a concurrent sweep.
package tracking
