// Package ledger tracks which licenses are activated on a node and how much
// of each entitlement plug-ins have consumed.
//
// Activated licenses fold into per-plugin statuses, one per device type plus
// a wildcard entry for plug-ins licensed for any device type. Each status
// moves through Unlicensed, Granted, Exhausted and Expired as licenses are
// applied, consumed, released and swept.
//
// # Concurrency
//
// A single read/write lock guards the whole table. CheckLicense without
// consumption runs under the read lock; consuming checks, releases, applies
// and sweeps take the write lock, so check-and-increment is atomic against
// every other mutation. Persistence is deferred: mutations mark rows dirty
// and a background flusher writes them to the store.
//
// # Authority validation
//
// A freshly folded activation is pending until a caller names the
// authorities it requires. Only once every required authority signed the
// license document does its capacity count for that plug-in.
//
// # Events
//
// Subscribers receive Activated, Expired, ExpiredRemoved and ExpiringSoon
// events. Delivery never blocks the ledger; a slow subscriber misses events.
package ledger
