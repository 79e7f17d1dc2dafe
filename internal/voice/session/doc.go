// Package session holds the values shared by the voice transports: the
// negotiated Session, the connection State machine labels, the RTP
// sequence/timestamp Counters, per-tick Frames, and the Speaking state.
//
// Audio is always 48 kHz interleaved stereo sent as 20 ms frames, so one
// frame advances the RTP timestamp by FrameSamples.
package session
