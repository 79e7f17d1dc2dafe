// Package opus handles encoding and decoding of Opus audio frames for
// voice playback.
//
// Stored clips use a minimal binary format: concatenated length-prefixed
// frames ([uint16 LE length][opus bytes]). No headers, no metadata.
//
// Live audio is encoded by an FFmpegEncoder, which pipes PCM through
// FFmpeg's libopus encoder and demuxes the resulting Ogg stream into one
// packet per 20ms frame. Encode does the same for arbitrary input and
// produces the stored format.
package opus
