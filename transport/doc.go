// Package transport defines the external collaborators the transfer
// engine talks to: the point-to-point message channel and the
// rendezvous service that introduces two endpoints to each other.
//
// The engine never opens sockets itself. A Channel is assumed ordered
// and reliable-or-closed, delivering one control message per channel
// message, and exposes an explicit backpressure signal: buffered byte
// count plus a low-water-mark callback. A Rendezvous only announces
// peers and relays opaque handshake blobs; the engine never inspects
// their contents.
//
// MemChannel is an in-memory Channel pair with full buffered-amount
// accounting. It backs the package tests and is usable for loopback
// transfers.
package transport
