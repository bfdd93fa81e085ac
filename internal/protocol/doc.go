// Package protocol owns the keyless wire contract and its message model.
//
// Ownership boundary:
// - message encode/decode over frame and tlv primitives, including padding
// - request and response models with per-opcode validation
// - the local / protocol / remote error taxonomy
package protocol
