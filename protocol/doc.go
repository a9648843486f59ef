// Package protocol defines the control messages exchanged between two
// transfer endpoints and their binary wire encoding.
//
// Every channel message carries exactly one control message: a one-byte
// type tag, an eight-byte timestamp, then a type-specific payload.
// Chunk payloads travel as raw bytes behind a small fixed header; they
// are never transcoded through a text-safe encoding.
//
// The package also owns the file metadata record announced by the
// sender and the stable file identity derived from it.
package protocol
