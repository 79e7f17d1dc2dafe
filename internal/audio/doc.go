// Package audio runs the external decoder that turns an arbitrary input
// (file, URL, pipe) into raw PCM for the voice encoder.
//
// A Source is an io.ReadCloser over the decoder's stdout: interleaved
// little-endian signed 16-bit samples, 48 kHz, stereo.
package audio
