package playout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glizzus/sound-stream/internal/metrics"
	"github.com/glizzus/sound-stream/internal/voice/session"
)

var (
	ErrAlreadyPlaying = errors.New("scheduler is already playing")
	ErrSourcePanic    = errors.New("frame source panicked")
)

// FrameSource yields encoded frames in playback order. ReadFrame returns
// io.EOF when the track ends cleanly.
type FrameSource interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// Sender transmits one stamped frame for a session.
type Sender interface {
	Send(s *session.Session, f session.Frame) error
}

// Speaker announces speaking state to the signaling side. Implementations
// must not block.
type Speaker interface {
	SetSpeaking(flags session.Flags, ssrc uint32)
}

type Options struct {
	// GraceWindow is how long a tick waits for the source before it
	// counts as an underrun.
	GraceWindow time.Duration
	// SilenceFrames is the number of silence markers sent after audio
	// stops, and the speaking hangover in ticks.
	SilenceFrames int
	Priority      bool
	// StopTimeout bounds how long Stop waits for the source reader.
	StopTimeout time.Duration

	Speaker Speaker
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.GraceWindow <= 0 {
		o.GraceWindow = 10 * time.Millisecond
	}
	if o.SilenceFrames <= 0 {
		o.SilenceFrames = 5
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Discard()
	}
}

type EventType int

const (
	EventSpeakingChanged EventType = iota
	// EventTrackEnded is sent once per playback after the source ends
	// and the trailing silence is flushed. Err is nil on a clean end.
	EventTrackEnded
	// EventError reports a transient send failure; playback continues.
	EventError
)

type Event struct {
	Type     EventType
	Speaking session.Speaking
	Err      error
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdRebind
)

type command struct {
	kind     commandKind
	sess     *session.Session
	counters session.Counters

	// applied is closed by the playback loop once the command took effect.
	applied chan struct{}
}

type readResult struct {
	frame []byte
	err   error
}

// Scheduler paces frames from one FrameSource at a time.
type Scheduler struct {
	tx     Sender
	opts   Options
	logger *slog.Logger

	commands chan command
	events   chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   lastPlayback
}

type lastPlayback struct {
	sess     *session.Session
	counters session.Counters
}

func New(tx Sender, opts Options) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		tx:       tx,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "playout")),
		commands: make(chan command, 8),
		events:   make(chan Event, 64),
	}
}

func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Start begins playing src for sess. It returns ErrAlreadyPlaying if a
// previous playback has not finished.
func (s *Scheduler) Start(ctx context.Context, sess *session.Session, counters session.Counters, src FrameSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrAlreadyPlaying
		}
	}

	// Commands meant for a finished playback do not carry over.
	for drained := false; !drained; {
		select {
		case <-s.commands:
		default:
			drained = true
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	frames := make(chan readResult)
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		readFrames(ctx, src, frames)
	}()

	p := &playback{
		Scheduler: s,
		sess:      sess,
		counters:  counters,
		src:       src,
		frames:    frames,
		readers:   &readers,
		cancel:    cancel,
		tracker:   NewTracker(s.opts.SilenceFrames, s.opts.Priority),
	}
	go func() {
		defer close(done)
		p.run(ctx)
	}()
	return nil
}

// Pause stops sending and returns once the playback loop has applied it,
// so no send is in flight or can start until Resume. It returns at once
// if nothing is playing.
func (s *Scheduler) Pause() {
	applied := make(chan struct{})
	done := s.command(command{kind: cmdPause, applied: applied})
	if done == nil {
		return
	}
	select {
	case <-applied:
	case <-done:
	}
}

func (s *Scheduler) Resume() {
	s.command(command{kind: cmdResume})
}

// Rebind switches the running playback to a new session and counters.
func (s *Scheduler) Rebind(sess *session.Session, counters session.Counters) {
	s.command(command{kind: cmdRebind, sess: sess, counters: counters})
}

// command queues cmd for the current playback and returns its done
// channel, or nil if there has never been one.
func (s *Scheduler) command(cmd command) <-chan struct{} {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case s.commands <- cmd:
	case <-done:
	}
	return done
}

// Stop ends the current playback, if any, and waits for it. The source
// is closed before Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the current playback ends.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Counters returns the counters where the last finished playback on sess
// stopped. ok is false if no playback on sess has finished.
func (s *Scheduler) Counters(sess *session.Session) (counters session.Counters, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.sess == nil || s.last.sess != sess {
		return session.Counters{}, false
	}
	return s.last.counters, true
}

// Playing reports whether a playback is in progress.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Dropping playout event, queue full", slog.Int("type", int(ev.Type)))
	}
}

// playback is the state of one Start call. Only its run goroutine
// touches it.
type playback struct {
	*Scheduler

	sess     *session.Session
	counters session.Counters
	src      FrameSource
	frames   <-chan readResult
	readers  *sync.WaitGroup
	cancel   context.CancelFunc
	tracker  *Tracker

	paused  bool
	ended   bool
	endErr  error
	silence int
}

func (p *playback) run(ctx context.Context) {
	defer p.close()

	// next is the wall-clock deadline of the upcoming tick. Ticks are laid
	// out on a fixed grid from it so timer latency does not accumulate.
	var next time.Time
	for {
		if !p.drainCommands(ctx) {
			p.stopped()
			return
		}
		if p.paused {
			next = time.Time{}
			select {
			case cmd := <-p.commands:
				p.apply(cmd)
				continue
			case <-ctx.Done():
				p.stopped()
				return
			}
		}

		if next.IsZero() {
			next = time.Now()
		}
		if !p.tick(ctx) {
			return
		}

		next = next.Add(session.FrameDuration)
		wait := time.Until(next)
		if wait <= 0 {
			p.opts.Metrics.TickOverruns.Inc()
			// More than a whole frame behind: start a new grid instead of
			// bursting to catch up.
			if -wait >= session.FrameDuration {
				next = time.Now()
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			p.stopped()
			return
		}
	}
}

// tick sends at most one frame. It returns false once playback is over.
func (p *playback) tick(ctx context.Context) bool {
	if p.ended {
		if p.tracker.State().Active() {
			p.sendSilence()
			return true
		}
		p.opts.Metrics.TracksEnded.Inc()
		p.emit(Event{Type: EventTrackEnded, Err: p.endErr})
		return false
	}

	grace := time.NewTimer(p.opts.GraceWindow)
	defer grace.Stop()
	select {
	case r := <-p.frames:
		if r.err != nil {
			p.ended = true
			if !errors.Is(r.err, io.EOF) {
				p.endErr = r.err
				p.logger.Warn("Audio source ended with error", slog.Any("error", r.err))
			}
			return p.tick(ctx)
		}
		p.sendFrame(r.frame)
	case <-grace.C:
		p.opts.Metrics.Underruns.Inc()
		if p.tracker.State().Active() {
			p.sendSilence()
		}
	case <-ctx.Done():
		p.stopped()
		return false
	}
	return true
}

func (p *playback) sendFrame(payload []byte) {
	p.send(payload)
	p.opts.Metrics.FramesSent.Inc()
	if state, changed := p.tracker.Observe(true); changed {
		p.announce(state)
	}
}

func (p *playback) sendSilence() {
	p.send(session.SilenceFrame)
	p.opts.Metrics.SilenceFrames.Inc()
	if state, changed := p.tracker.Observe(false); changed {
		p.announce(state)
	}
}

func (p *playback) send(payload []byte) {
	seq, ts := p.counters.Next(session.FrameSamples)
	frame := session.Frame{
		Payload:   payload,
		Duration:  session.FrameDuration,
		Sequence:  seq,
		Timestamp: ts,
	}
	if err := p.tx.Send(p.sess, frame); err != nil {
		p.logger.Debug("Failed to send frame", slog.Any("error", err))
		p.emit(Event{Type: EventError, Err: err})
	}
}

func (p *playback) announce(state session.Speaking) {
	p.logger.Debug("Speaking state changed", slog.String("state", state.String()))
	if p.opts.Speaker != nil {
		p.opts.Speaker.SetSpeaking(state.Flags(), p.sess.SSRC)
	}
	p.emit(Event{Type: EventSpeakingChanged, Speaking: state})
}

// stopped reports Silent if playback was cancelled mid-burst.
func (p *playback) stopped() {
	if state, changed := p.tracker.Reset(); changed {
		p.announce(state)
	}
}

// drainCommands applies queued commands. It returns false if ctx ended.
func (p *playback) drainCommands(ctx context.Context) bool {
	for {
		select {
		case cmd := <-p.commands:
			p.apply(cmd)
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
}

func (p *playback) apply(cmd command) {
	if cmd.applied != nil {
		defer close(cmd.applied)
	}
	switch cmd.kind {
	case cmdPause:
		p.paused = true
	case cmdResume:
		p.paused = false
	case cmdRebind:
		p.sess = cmd.sess
		p.counters = cmd.counters
		// A new session starts with no speaking state on the server.
		p.tracker.Reset()
		p.logger.Info("Playback rebound to new session", slog.Uint64("ssrc", uint64(cmd.sess.SSRC)))
	}
}

func (p *playback) close() {
	p.cancel()
	p.mu.Lock()
	p.last = lastPlayback{sess: p.sess, counters: p.counters}
	p.mu.Unlock()
	if err := p.src.Close(); err != nil {
		p.logger.Warn("Failed to close audio source", slog.Any("error", err))
	}
	waited := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(p.opts.StopTimeout):
		p.logger.Error("Audio source reader did not exit after close")
	}
}

func readFrames(ctx context.Context, src FrameSource, out chan<- readResult) {
	for {
		frame, err := readFrame(src)
		select {
		case out <- readResult{frame: frame, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func readFrame(src FrameSource) (frame []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSourcePanic, r)
		}
	}()
	return src.ReadFrame()
}
