// Package protocol owns the intent protocol error taxonomy and version
// constants shared by the packet, handshake and firewall layers.
//
// Ownership boundary:
// - canonical encoding and digests (canonical)
// - packet model, validation and forwarding (packet)
// - handshake state machine (handshake)
// - session ownership (session)
// - stream framing (frame) and required-field tables (schema)
package protocol
