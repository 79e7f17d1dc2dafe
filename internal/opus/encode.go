package opus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glizzus/sound-stream/internal/voice/session"
	"github.com/jonas747/ogg"
)

// FrameEncoder turns a PCM stream (s16le, 48 kHz, stereo) into Opus frames.
type FrameEncoder interface {
	Encode(ctx context.Context, pcm io.Reader) (FrameSource, error)
}

// FFmpegEncoder encodes with FFmpeg's libopus.
type FFmpegEncoder struct {
	// Path is the FFmpeg binary; it defaults to "ffmpeg" on PATH.
	Path string
	// Bitrate in bits per second; 0 means 64000.
	Bitrate int
	// Application is the libopus application: voip, audio or lowdelay.
	Application string
}

var _ FrameEncoder = FFmpegEncoder{}

// Encode starts the encoder on pcm. Closing the returned source closes
// pcm too, if it is an io.Closer, and stops the encoder.
func (e FFmpegEncoder) Encode(ctx context.Context, pcm io.Reader) (FrameSource, error) {
	path := e.Path
	if path == "" {
		path = "ffmpeg"
	}
	bitrate := e.Bitrate
	if bitrate <= 0 {
		bitrate = 64000
	}
	application := e.Application
	if application == "" {
		application = "audio"
	}

	ffmpeg := exec.CommandContext(ctx, path,
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(session.SampleRate),
		"-ac", strconv.Itoa(session.Channels),
		"-i", "pipe:0",
		"-map", "0:a",
		"-acodec", "libopus",
		"-b:a", strconv.Itoa(bitrate),
		"-vbr", "on",
		"-application", application,
		"-frame_duration", "20",
		"-page_duration", "20000",
		"-f", "ogg",
		"pipe:1",
	)
	ffmpeg.Stdin = pcm
	// The stdin copy only ends when pcm does; do not let Wait hang on it.
	ffmpeg.WaitDelay = 2 * time.Second

	stream, err := startOgg(ffmpeg)
	if err != nil {
		return nil, err
	}
	if c, ok := pcm.(io.Closer); ok {
		stream.input = c
	}
	return stream, nil
}

// oggStream demuxes Opus packets from an FFmpeg process writing Ogg.
type oggStream struct {
	cmd     *exec.Cmd
	decoder *ogg.PacketDecoder
	input   io.Closer
	// skip is the number of metadata packets still to discard.
	skip int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	waitOnce  sync.Once
	waitErr   error
}

var _ FrameSource = (*oggStream)(nil)

func startOgg(cmd *exec.Cmd) (*oggStream, error) {
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start opus encoder: %w", err)
	}
	return &oggStream{
		cmd:     cmd,
		decoder: ogg.NewPacketDecoder(ogg.NewDecoder(stdout)),
		// OpusHead and OpusTags
		skip: 2,
	}, nil
}

func (s *oggStream) ReadFrame() ([]byte, error) {
	for {
		packet, _, err := s.decoder.Decode()
		if err != nil {
			return nil, s.end(err)
		}
		if s.skip > 0 {
			s.skip--
			continue
		}
		return packet, nil
	}
}

func (s *oggStream) end(err error) error {
	if s.closed.Load() {
		return io.ErrClosedPipe
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("failed to demux opus stream: %w", err)
	}
	if werr := s.wait(); werr != nil {
		return fmt.Errorf("opus encoder failed: %w", werr)
	}
	return io.EOF
}

func (s *oggStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		var errs []error
		if s.input != nil {
			errs = append(errs, s.input.Close())
		}
		// Kill FFmpeg if still running (e.g. closed before EOF).
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, err)
			}
		}
		_ = s.wait()
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *oggStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Encode takes any audio as an io.Reader, runs FFmpeg to transcode it to Opus,
// and returns an io.Reader that produces length-prefixed Opus frames.
// The caller should read until EOF. The returned io.ReadCloser must be closed
// to clean up the FFmpeg process.
func Encode(r io.Reader) (io.ReadCloser, error) {
	ffmpeg := exec.Command("ffmpeg",
		"-i", "pipe:0",
		"-vn",
		"-map", "0:a",
		"-acodec", "libopus",
		"-f", "ogg",
		"-vbr", "on",
		"-compression_level", "10",
		"-ar", strconv.Itoa(session.SampleRate),
		"-ac", strconv.Itoa(session.Channels),
		"-b:a", "64000",
		"-application", "audio",
		"-frame_duration", "20",
		"-packet_loss", "1",
		"-threads", "0",
		"pipe:1",
	)
	ffmpeg.Stdin = r

	stream, err := startOgg(ffmpeg)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		for {
			packet, err := stream.ReadFrame()
			if err != nil {
				if errors.Is(err, io.EOF) {
					pw.Close()
				} else {
					pw.CloseWithError(err)
				}
				return
			}
			if err := WriteFrame(pw, packet); err != nil {
				return
			}
		}
	}()

	return &encodeCloser{ReadCloser: pr, stream: stream}, nil
}

// encodeCloser wraps the pipe reader and ensures the FFmpeg process is cleaned up.
type encodeCloser struct {
	io.ReadCloser
	stream *oggStream
}

func (e *encodeCloser) Close() error {
	return errors.Join(e.ReadCloser.Close(), e.stream.Close())
}
