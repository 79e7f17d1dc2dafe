package opus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// FrameSource yields Opus frames in playback order and returns io.EOF
// after the last one.
type FrameSource interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// FrameReader reads length-prefixed Opus frames from an io.Reader.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader returns a new FrameReader that reads from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads and returns the next raw Opus frame.
// Returns io.EOF when there are no more frames.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var size uint16
	if err := binary.Read(f.r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// FrameStream is a FrameReader that owns its underlying reader.
// A truncated final frame is treated as the end of the stream.
type FrameStream struct {
	*FrameReader
	c io.Closer
}

var _ FrameSource = (*FrameStream)(nil)

func NewFrameStream(rc io.ReadCloser) *FrameStream {
	return &FrameStream{FrameReader: NewFrameReader(rc), c: rc}
}

func (s *FrameStream) ReadFrame() ([]byte, error) {
	frame, err := s.FrameReader.ReadFrame()
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, io.EOF
	}
	return frame, err
}

func (s *FrameStream) Close() error {
	return s.c.Close()
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > math.MaxUint16 {
		return fmt.Errorf("opus frame too large: %d bytes", len(frame))
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
