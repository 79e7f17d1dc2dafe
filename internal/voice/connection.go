package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glizzus/sound-stream/internal/metrics"
	"github.com/glizzus/sound-stream/internal/voice/gateway"
	"github.com/glizzus/sound-stream/internal/voice/playout"
	"github.com/glizzus/sound-stream/internal/voice/session"
	"github.com/glizzus/sound-stream/internal/voice/udp"
)

var ErrNotConnected = errors.New("voice connection is not connected")

// Signaler is the signaling side of a connection.
type Signaler interface {
	Connect(ctx context.Context) (*session.Session, error)
	Recover(ctx context.Context, prev *session.Session) (*session.Session, bool, error)
	Disconnect() error
	SetSpeaking(flags session.Flags, ssrc uint32)
	Events() <-chan gateway.Event
	State() session.State
}

// Transport carries media frames.
type Transport interface {
	playout.Sender
	Close() error
}

var (
	_ Signaler  = (*gateway.Client)(nil)
	_ Transport = (*udp.Channel)(nil)
)

type Options struct {
	Playout playout.Options
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// NewCounters seeds the RTP counters of each new session.
	NewCounters func() session.Counters
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Discard()
	}
	if o.NewCounters == nil {
		o.NewCounters = session.NewCounters
	}
	if o.Playout.Logger == nil {
		o.Playout.Logger = o.Logger
	}
	if o.Playout.Metrics == nil {
		o.Playout.Metrics = o.Metrics
	}
}

// Connection is one live voice connection.
type Connection struct {
	signaler  Signaler
	transport Transport
	scheduler *playout.Scheduler
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	sess       *session.Session
	recovering bool
	closed     bool

	notifications chan Notification
	cancel        context.CancelFunc
	done          chan struct{}
}

// Dial connects the signaler and starts supervising the connection.
// The connection outlives ctx only until ctx is cancelled.
func Dial(ctx context.Context, sig Signaler, tx Transport, opts Options) (*Connection, error) {
	opts.setDefaults()
	opts.Playout.Speaker = sig
	c := &Connection{
		signaler:      sig,
		transport:     tx,
		scheduler:     playout.New(tx, opts.Playout),
		opts:          opts,
		logger:        opts.Logger.With(slog.String("component", "voice")),
		notifications: make(chan Notification, 32),
		done:          make(chan struct{}),
	}

	sess, err := sig.Connect(ctx)
	if err != nil {
		_ = tx.Close()
		return nil, err
	}
	c.sess = sess
	opts.Metrics.ActiveConnections.Inc()
	c.notify(Notification{Type: NotifyConnected, SSRC: sess.SSRC})

	superviseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go func() {
		defer close(c.done)
		c.supervise(superviseCtx)
	}()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-c.done:
		}
	}()
	return c, nil
}

func (c *Connection) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Connection) State() session.State {
	return c.signaler.State()
}

// Play replaces the current playback, if any, with src. src is closed when
// playback ends, is stopped, or the connection goes away.
func (c *Connection) Play(ctx context.Context, src playout.FrameSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.recovering {
		_ = src.Close()
		return ErrNotConnected
	}
	c.scheduler.Stop()
	counters, ok := c.scheduler.Counters(c.sess)
	if !ok {
		counters = c.opts.NewCounters()
	}
	if err := c.scheduler.Start(ctx, c.sess, counters, src); err != nil {
		_ = src.Close()
		return err
	}
	c.logger.Info("Playback started", slog.Uint64("ssrc", uint64(c.sess.SSRC)))
	return nil
}

// Stop ends the current playback. The connection stays up.
func (c *Connection) Stop() {
	c.scheduler.Stop()
}

// Disconnect tears the connection down and waits for it.
func (c *Connection) Disconnect() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Connection) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.teardown(ReasonRequested, nil)
			return
		case ev := <-c.signaler.Events():
			switch ev.Type {
			case gateway.EventLinkLost:
				if !c.recover(ctx, ev.Err) {
					return
				}
			case gateway.EventClosed:
				c.teardown(ReasonFatal, ev.Err)
				return
			case gateway.EventClientDisconnect:
				c.logger.Debug("User left voice channel", slog.String("user_id", ev.UserID))
			}
		case ev := <-c.scheduler.Events():
			c.playoutEvent(ev)
		}
	}
}

func (c *Connection) playoutEvent(ev playout.Event) {
	ssrc := c.Session().SSRC
	switch ev.Type {
	case playout.EventSpeakingChanged:
		c.notify(Notification{Type: NotifySpeakingChanged, SSRC: ssrc, Speaking: ev.Speaking})
	case playout.EventTrackEnded:
		c.notify(Notification{Type: NotifyTrackEnded, SSRC: ssrc, Err: ev.Err})
	case playout.EventError:
		c.notify(Notification{Type: NotifyError, SSRC: ssrc, Err: ev.Err})
	}
}

// recover pauses playback while the signaler resumes or reconnects.
// It returns false if the connection was torn down.
func (c *Connection) recover(ctx context.Context, cause error) bool {
	c.mu.Lock()
	c.recovering = true
	prev := c.sess
	c.mu.Unlock()

	c.logger.Warn("Voice link lost, recovering", slog.Any("error", cause))
	c.scheduler.Pause()

	sess, resumed, err := c.signaler.Recover(ctx, prev)
	if err != nil {
		reason := ReasonTransientExhausted
		if gateway.IsFatal(err) {
			reason = ReasonFatal
		} else if ctx.Err() != nil {
			reason = ReasonRequested
			err = nil
		}
		c.teardown(reason, err)
		return false
	}

	c.mu.Lock()
	c.sess = sess
	if !resumed {
		c.scheduler.Rebind(sess, c.opts.NewCounters())
	}
	c.scheduler.Resume()
	c.recovering = false
	c.mu.Unlock()

	if resumed {
		c.notify(Notification{Type: NotifyResumed, SSRC: sess.SSRC})
	} else {
		c.notify(Notification{Type: NotifyConnected, SSRC: sess.SSRC})
	}
	return true
}

func (c *Connection) teardown(reason DisconnectReason, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var ssrc uint32
	if c.sess != nil {
		ssrc = c.sess.SSRC
	}
	c.mu.Unlock()

	c.scheduler.Stop()
	// Flush events from the final playback, e.g. the last speaking change.
	for drained := false; !drained; {
		select {
		case ev := <-c.scheduler.Events():
			c.playoutEvent(ev)
		default:
			drained = true
		}
	}
	if derr := c.signaler.Disconnect(); derr != nil {
		c.logger.Warn("Failed to disconnect signaler", slog.Any("error", derr))
	}
	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Warn("Failed to close media channel", slog.Any("error", cerr))
	}
	c.opts.Metrics.ActiveConnections.Dec()

	logger := c.logger.With(slog.String("reason", reason.String()))
	if err != nil {
		logger.Error("Voice connection closed", slog.Any("error", err))
	} else {
		logger.Info("Voice connection closed")
	}
	c.notify(Notification{Type: NotifyDisconnected, SSRC: ssrc, Reason: reason, Err: err})
	close(c.notifications)
}

func (c *Connection) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.logger.Warn("Dropping voice notification, queue full", slog.String("type", n.Type.String()))
	}
}
