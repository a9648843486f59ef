// Package chunk provides the pure chunk arithmetic used by the transfer
// engine: mapping a file size and chunk size to a chunk count, mapping a
// chunk index to its byte bounds, and the inclusive index Range type that
// the request scheduler uses as its unit of work.
//
// All functions are stateless. The chunk size for a file is selected once
// at announce time via PickChunkSize and never changes mid-transfer.
package chunk
