// Package auth answers "is this action permitted now, from here, on this
// device" for the factory dashboard.
//
// It implements a seven-tier role model (guest → viewer → operator →
// supervisor → manager → company_admin → super_admin) with:
//   - A static permission table: each permission names the minimum role
//     that holds it, and a higher role satisfies everything a lower one does
//   - Per-company role assignments cached in memory with lazy load from the
//     role store, coalesced misses and a bounded lookup that fails closed
//   - Delegation: an actor may only grant roles strictly below their own
//   - Contextual restrictions (IP, working hours, device) layered on top
//     of an otherwise granted permission
//
// Every decision is written to an audit.Sink. Audit failures are logged and
// never change the decision.
package auth
