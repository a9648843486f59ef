// Package store abstracts the persistent storage the transfer engine
// keeps chunks and file records in, so a crash or restart can
// reconstruct a session from durable state plus a fresh handshake.
//
// Chunk writes are write-once per (fileID, index): a later write with
// the same key is a no-op, which makes stale chunk deliveries after a
// resume harmless. MemoryStore is the in-process implementation;
// RetryStore decorates any Store with bounded retry and backoff for
// transient failures.
package store
