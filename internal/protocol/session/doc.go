// Package session owns live handshake sessions and the helpers callers use
// to move handshake packets over a byte stream.
//
// Ownership boundary:
// - token -> session registry with retired-token replay memory
// - framed control stream for CONTROL and ERROR packets
// - retry/backoff primitives for callers re-initiating failed handshakes
//
// Transitions themselves belong to the handshake package; the registry only
// stores and looks up sessions.
package session
