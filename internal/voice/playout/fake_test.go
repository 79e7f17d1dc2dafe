package playout_test

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glizzus/sound-stream/internal/voice/playout"
	"github.com/glizzus/sound-stream/internal/voice/session"
)

// scriptedSource returns frames in order with optional delays. When
// block is set it blocks after the last frame until closed.
type scriptedSource struct {
	frames   [][]byte
	delays   []time.Duration
	infinite bool
	block    bool
	panicAt  int

	i       int
	closed  chan struct{}
	once    sync.Once
	closes  atomic.Int32
}

func newSource(frames [][]byte) *scriptedSource {
	return &scriptedSource{frames: frames, panicAt: -1, closed: make(chan struct{})}
}

func (s *scriptedSource) ReadFrame() ([]byte, error) {
	i := s.i
	s.i++
	if i == s.panicAt {
		panic("decoder exploded")
	}
	if i < len(s.delays) {
		select {
		case <-time.After(s.delays[i]):
		case <-s.closed:
			return nil, io.ErrClosedPipe
		}
	}
	if s.infinite {
		return []byte{byte(i), byte(i >> 8)}, nil
	}
	if i >= len(s.frames) {
		if s.block {
			<-s.closed
			return nil, io.ErrClosedPipe
		}
		return nil, io.EOF
	}
	return s.frames[i], nil
}

func (s *scriptedSource) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedSource) isClosed() bool {
	return s.closes.Load() > 0
}

type sent struct {
	sess  *session.Session
	frame session.Frame
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recordingSender) Send(s *session.Session, f session.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{sess: s, frame: f})
	return r.err
}

func (r *recordingSender) snapshot() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type speakerRecorder struct {
	mu    sync.Mutex
	flags []session.Flags
	ssrcs []uint32
}

func (s *speakerRecorder) SetSpeaking(flags session.Flags, ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = append(s.flags, flags)
	s.ssrcs = append(s.ssrcs, ssrc)
}

func (s *speakerRecorder) snapshot() ([]session.Flags, []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Flags(nil), s.flags...), append([]uint32(nil), s.ssrcs...)
}

func makeFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = []byte{0xFC, byte(i)}
	}
	return frames
}

func isSilence(f session.Frame) bool {
	return bytes.Equal(f.Payload, session.SilenceFrame)
}

func awaitEvent(t *testing.T, s *playout.Scheduler, want playout.EventType, match func(playout.Event) bool) playout.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == want && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// assertSequential checks that every frame continues the RTP numbering
// of the one before it.
func assertSequential(t *testing.T, frames []sent) {
	t.Helper()
	for i := 1; i < len(frames); i++ {
		prev, cur := frames[i-1].frame, frames[i].frame
		if cur.Sequence != prev.Sequence+1 {
			t.Fatalf("frame %d sequence = %d, want %d", i, cur.Sequence, prev.Sequence+1)
		}
		if cur.Timestamp != prev.Timestamp+session.FrameSamples {
			t.Fatalf("frame %d timestamp = %d, want %d", i, cur.Timestamp, prev.Timestamp+session.FrameSamples)
		}
	}
}

var errSend = errors.New("network unreachable")

// gatedSender blocks inside its first Send until release is closed.
type gatedSender struct {
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
	inFlight atomic.Int32
	sends    atomic.Int32
}

func newGatedSender() *gatedSender {
	return &gatedSender{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSender) Send(*session.Session, session.Frame) error {
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	g.sends.Add(1)
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return nil
}

// clockSender records when each frame was handed over.
type clockSender struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *clockSender) Send(*session.Session, session.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times = append(c.times, time.Now())
	return nil
}

func (c *clockSender) snapshot() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.times...)
}
