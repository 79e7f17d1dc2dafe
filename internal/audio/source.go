package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/glizzus/sound-stream/internal/voice/session"
)

const defaultStderrLimit = 4096

type Options struct {
	// FFmpegPath is the decoder binary. It defaults to "ffmpeg" on PATH.
	FFmpegPath string
	// ExtraArgs are inserted before the input, e.g. "-re" or "-ss 30".
	ExtraArgs []string
}

func (o *Options) setDefaults() {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
}

// Source is a running decoder process.
type Source struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	waitOnce  sync.Once
	waitErr   error
}

var _ io.ReadCloser = (*Source)(nil)

// Start runs ffmpeg on input. The process is killed when ctx ends.
func Start(ctx context.Context, opts Options, input string) (*Source, error) {
	opts.setDefaults()
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, opts.ExtraArgs...)
	args = append(args,
		"-i", input,
		"-f", "s16le",
		"-ar", strconv.Itoa(session.SampleRate),
		"-ac", strconv.Itoa(session.Channels),
		"pipe:1",
	)
	return FromCommand(exec.CommandContext(ctx, opts.FFmpegPath, args...))
}

// FromCommand starts cmd and reads PCM from its stdout. cmd must not have
// been started and must not have Stdout set.
func FromCommand(cmd *exec.Cmd) (*Source, error) {
	stderr := &tailBuffer{limit: defaultStderrLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ConfigError{Path: cmd.Path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ConfigError{Path: cmd.Path, Err: err}
	}
	return &Source{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Read reads PCM bytes. It returns io.EOF once the decoder exits cleanly
// and an *EndOfTrackError if it fails.
func (s *Source) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == nil {
		return n, nil
	}
	if s.closed.Load() {
		return n, ErrClosed
	}
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return n, s.endOfTrack(werr)
		}
		return n, io.EOF
	}
	return n, s.endOfTrack(err)
}

// Close kills the decoder if it is still running and reaps it. It is safe
// to call more than once and after any Read error.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.closeErr = err
			}
		}
		_ = s.stdout.Close()
		_ = s.wait()
	})
	return s.closeErr
}

// Stderr returns the tail of the decoder's diagnostic output.
func (s *Source) Stderr() string {
	return s.stderr.String()
}

func (s *Source) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func (s *Source) endOfTrack(err error) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &EndOfTrackError{
		ExitCode: code,
		Stderr:   strings.TrimSpace(s.stderr.String()),
		Err:      err,
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) > b.limit {
		p = p[len(p)-b.limit:]
	}
	if over := b.buf.Len() + len(p) - b.limit; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
