// Package datalayer stores pre-encoded clips in S3-compatible blob storage.
// Clips are kept in the length-prefixed Opus frame format read by the opus
// package, so a stored clip can be streamed to a voice connection without
// running an encoder.
package datalayer
