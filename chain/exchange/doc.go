// Package exchange contains the chain exchange server and client components.
//
// Chain exchange is the basic chain synchronization protocol of strand.
// It is an RPC-oriented protocol, with a single operation to request chain
// data.
//
// A request contains a start anchor tipset (referred to with its block
// CIDs), and an amount of tipsets requested beyond the anchor (including
// the anchor itself).
//
// A client can also pass options, encoded as a 64-bit bitfield:
//
//   - include block headers
//   - include block messages
//
// The response includes a status code, an optional message, and the
// response payload in case of success. The payload is a slice of
// serialized tipsets walking the parent links from the anchor.
package exchange
