// Package udp implements the voice media transport: IP discovery over the
// media socket, encryption mode negotiation, and sealing of RTP framed Opus
// payloads.
//
// Packets are a 12-byte RTP header followed by the sealed payload. Where
// the nonce lives depends on the negotiated mode:
//
//	aead_*_rtpsize, xsalsa20_poly1305_lite  4-byte counter appended
//	xsalsa20_poly1305_suffix                24 random bytes appended
//	xsalsa20_poly1305                       RTP header, zero padded
//
// The AEAD modes authenticate the RTP header as associated data.
package udp
