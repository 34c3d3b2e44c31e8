// Package protocol owns the kbcast datagram contract.
//
// Ownership boundary:
// - frame: fixed header and fragment header primitives
// - tlv: update record primitives
// - fragment: splitting and reassembly of oversized messages
// - this package: whole-message encode/decode and the shared error taxonomy
package protocol
