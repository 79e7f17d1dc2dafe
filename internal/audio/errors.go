package audio

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("audio source closed")

// ConfigError means the decoder could not be started at all, usually a
// missing or non-executable binary. It is not worth retrying.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("failed to start audio decoder %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// EndOfTrackError means the decoder failed after it started producing
// audio. Stderr holds the tail of its diagnostic output.
type EndOfTrackError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EndOfTrackError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("audio decoder failed (exit %d): %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("audio decoder failed (exit %d): %v: %s", e.ExitCode, e.Err, e.Stderr)
}

func (e *EndOfTrackError) Unwrap() error {
	return e.Err
}

var (
	_ error = (*ConfigError)(nil)
	_ error = (*EndOfTrackError)(nil)
)
