// Package protocol implements the shuttle wire format: length-prefixed
// request/response frames tagged with a message kind and a 16-byte request
// id, and the self-delimiting block framing shared between the data channel
// and the DFS part files.
//
// The layouts here are a compatibility surface. Readers in other processes
// parse part files byte-for-byte, so the block header is fixed:
//
//	[u32 length][u32 crc32c][u32 mapId][u16 mapAttempt][u32 seqNo][payload]
//
// all big-endian. Change nothing without versioning the directory layout.
package protocol
