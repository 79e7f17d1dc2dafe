// Package gateway implements the voice signaling session: the websocket
// handshake that yields a session.Session, the heartbeat that watches the
// link, and resume-then-reconnect recovery.
//
// The handshake runs Hello → Identify → Ready → (IP discovery over the
// media socket) → SelectProtocol → SessionDescription. Media transport
// negotiation is delegated to a TransportNegotiator so the gateway never
// touches the UDP socket itself.
package gateway
