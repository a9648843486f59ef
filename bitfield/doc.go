// Package bitfield tracks which chunks of a file are currently held.
//
// A Bitfield is a packed presence bitmap with one bit per chunk plus a
// cached population count. Setting a bit is idempotent: re-setting an
// already-held chunk never double-increments the count. The bitmap can
// be rebuilt from persisted bytes, in which case the stored count is
// re-derived by population-counting the bits and repaired if the two
// disagree (a defense against partial writes).
//
// All mutation is serialized by an internal mutex so that concurrent
// chunk-received events for the same file cannot race.
package bitfield
