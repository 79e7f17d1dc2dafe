package voice_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glizzus/sound-stream/internal/voice"
	"github.com/glizzus/sound-stream/internal/voice/gateway"
	"github.com/glizzus/sound-stream/internal/voice/playout"
	"github.com/glizzus/sound-stream/internal/voice/session"
)

type recoverFunc func(prev *session.Session) (*session.Session, bool, error)

type fakeSignaler struct {
	mu           sync.Mutex
	sess         *session.Session
	connectErr   error
	recover      recoverFunc
	recovered    []*session.Session
	speaking     []session.Flags
	disconnected bool

	events chan gateway.Event
}

func newFakeSignaler(ssrc uint32) *fakeSignaler {
	return &fakeSignaler{
		sess:   session.New(session.Params{SSRC: ssrc}),
		events: make(chan gateway.Event, 4),
	}
}

func (f *fakeSignaler) Connect(context.Context) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.sess, nil
}

func (f *fakeSignaler) Recover(_ context.Context, prev *session.Session) (*session.Session, bool, error) {
	f.mu.Lock()
	f.recovered = append(f.recovered, prev)
	fn := f.recover
	f.mu.Unlock()
	return fn(prev)
}

func (f *fakeSignaler) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeSignaler) SetSpeaking(flags session.Flags, _ uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaking = append(f.speaking, flags)
}

func (f *fakeSignaler) Events() <-chan gateway.Event {
	return f.events
}

func (f *fakeSignaler) State() session.State {
	return session.Connected
}

func (f *fakeSignaler) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type sent struct {
	sess  *session.Session
	frame session.Frame
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []sent
	closed bool

	entered  chan struct{}
	release  chan struct{}
	inFlight atomic.Int32
}

func (t *fakeTransport) Send(s *session.Session, f session.Frame) error {
	t.inFlight.Add(1)
	defer t.inFlight.Add(-1)

	t.mu.Lock()
	entered, release := t.entered, t.release
	t.entered, t.release = nil, nil
	t.sent = append(t.sent, sent{sess: s, frame: f})
	t.mu.Unlock()

	if entered != nil {
		close(entered)
		<-release
	}
	return nil
}

// holdNext makes the next Send block until the returned release function
// is called. entered is closed once that Send is in progress.
func (t *fakeTransport) holdNext() (entered <-chan struct{}, release func()) {
	e, r := make(chan struct{}), make(chan struct{})
	t.mu.Lock()
	t.entered, t.release = e, r
	t.mu.Unlock()
	var once sync.Once
	return e, func() { once.Do(func() { close(r) }) }
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) snapshot() []sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sent(nil), t.sent...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) countFor(s *session.Session) int {
	n := 0
	for _, f := range t.snapshot() {
		if f.sess == s {
			n++
		}
	}
	return n
}

// frameSource yields n frames, or frames forever when n < 0.
type frameSource struct {
	n      int
	i      int
	closed atomic.Bool
}

func (s *frameSource) ReadFrame() ([]byte, error) {
	if s.closed.Load() {
		return nil, io.ErrClosedPipe
	}
	if s.n >= 0 && s.i >= s.n {
		return nil, io.EOF
	}
	s.i++
	return []byte{0xFC, byte(s.i)}, nil
}

func (s *frameSource) Close() error {
	s.closed.Store(true)
	return nil
}

// sequentialCounters hands out counters starting at each of starts in turn.
func sequentialCounters(starts ...uint16) func() session.Counters {
	var mu sync.Mutex
	i := 0
	return func() session.Counters {
		mu.Lock()
		defer mu.Unlock()
		c := session.Counters{Sequence: starts[i%len(starts)]}
		i++
		return c
	}
}

func testOptions(counters func() session.Counters) voice.Options {
	return voice.Options{
		Playout:     playout.Options{GraceWindow: 5 * time.Millisecond},
		NewCounters: counters,
	}
}

func awaitNotification(t *testing.T, c *voice.Connection, want voice.NotificationType) voice.Notification {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-c.Notifications():
			if !ok {
				t.Fatalf("notifications closed while waiting for %s", want)
			}
			if n.Type == want {
				return n
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
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

func assertSequential(t *testing.T, frames []sent) {
	t.Helper()
	for i := 1; i < len(frames); i++ {
		prev, cur := frames[i-1].frame, frames[i].frame
		if cur.Sequence != prev.Sequence+1 || cur.Timestamp != prev.Timestamp+session.FrameSamples {
			t.Fatalf("frame %d = (%d, %d) does not follow (%d, %d)",
				i, cur.Sequence, cur.Timestamp, prev.Sequence, prev.Timestamp)
		}
	}
}
