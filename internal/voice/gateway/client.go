package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glizzus/sound-stream/internal/metrics"
	"github.com/glizzus/sound-stream/internal/voice/session"
	"github.com/glizzus/sound-stream/internal/voice/udp"
	"github.com/gorilla/websocket"
)

// Credentials identify the bot to the voice server. They come from the
// main gateway's voice state and voice server updates.
type Credentials struct {
	ServerID  string
	UserID    string
	SessionID string
	Token     string
}

// TransportNegotiator discovers the external address of the media socket.
// udp.Channel implements it.
type TransportNegotiator interface {
	Negotiate(ctx context.Context, ssrc uint32, server netip.AddrPort) (netip.AddrPort, error)
}

var _ TransportNegotiator = (*udp.Channel)(nil)

type Options struct {
	// Modes is the local encryption mode preference, most preferred first.
	Modes []udp.Mode

	HandshakeTimeout time.Duration
	ResumeTimeout    time.Duration

	// MaxAttempts bounds the handshakes made by one Connect call.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnStateChange is called on every state transition, outside any lock.
	OnStateChange func(from, to session.State)
}

func (o *Options) setDefaults() {
	if len(o.Modes) == 0 {
		o.Modes = udp.DefaultModes
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ResumeTimeout <= 0 {
		o.ResumeTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
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
	// EventLinkLost means the link died for a recoverable reason.
	// The caller is expected to call Recover.
	EventLinkLost EventType = iota
	// EventClientDisconnect means another user left the channel.
	EventClientDisconnect
	// EventClosed means the server ended the session for good.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventLinkLost:
		return "link_lost"
	case EventClientDisconnect:
		return "client_disconnect"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Event struct {
	Type   EventType
	UserID string
	Err    error
}

// Client is the signaling side of one voice connection.
type Client struct {
	endpoint   string
	creds      Credentials
	negotiator TransportNegotiator
	opts       Options
	logger     *slog.Logger

	mu    sync.Mutex
	state session.State
	link  *link
	sess  *session.Session

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	runWG     sync.WaitGroup
}

func New(endpoint string, creds Credentials, negotiator TransportNegotiator, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		endpoint:   endpoint,
		creds:      creds,
		negotiator: negotiator,
		opts:       opts,
		logger: opts.Logger.With(
			slog.String("component", "gateway"),
			slog.String("guild_id", creds.ServerID),
		),
		state:  session.Disconnected,
		events: make(chan Event, 8),
		closed: make(chan struct{}),
	}
}

func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(to session.State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.logger.Debug("Voice state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

// Connect performs the full handshake, retrying transient failures with
// exponential backoff. Fatal errors are returned without retry.
func (c *Client) Connect(ctx context.Context) (*session.Session, error) {
	var sess *session.Session
	attempt := 0
	operation := func() error {
		attempt++
		s, err := c.handshake(ctx)
		if err != nil {
			if IsFatal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Voice handshake failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		c.setState(session.Disconnected)
		if IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
	}
	return sess, nil
}

func (c *Client) handshake(ctx context.Context) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	c.dropLink(closeResumable)
	c.setState(session.Connecting)
	l, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			l.shutdown(websocket.CloseNormalClosure)
		}
	}()

	interval, err := c.awaitHello(ctx, l)
	if err != nil {
		return nil, err
	}

	c.setState(session.Identifying)
	identify := identifyPayload{
		ServerID:  c.creds.ServerID,
		UserID:    c.creds.UserID,
		SessionID: c.creds.SessionID,
		Token:     c.creds.Token,
	}
	if err := l.send(ctx, OpIdentify, identify); err != nil {
		return nil, fmt.Errorf("failed to send identify: %w", err)
	}

	c.setState(session.AwaitingReady)
	raw, err := c.await(ctx, l, OpReady)
	if err != nil {
		return nil, err
	}
	var ready readyPayload
	if err := json.Unmarshal(raw, &ready); err != nil {
		return nil, &ProtocolError{Op: OpReady, Err: err}
	}
	if interval == 0 {
		interval = ready.HeartbeatInterval.Duration()
	}
	if interval <= 0 {
		return nil, &ProtocolError{Op: OpReady, Err: errors.New("no heartbeat interval")}
	}

	mode, err := udp.SelectMode(ready.Modes, c.opts.Modes)
	if err != nil {
		return nil, err
	}
	server, err := resolveServer(ctx, ready.IP, ready.Port)
	if err != nil {
		return nil, err
	}

	c.setState(session.DiscoveringTransport)
	external, err := c.negotiator.Negotiate(ctx, ready.SSRC, server)
	if err != nil {
		return nil, fmt.Errorf("failed to negotiate transport: %w", err)
	}

	selectProtocol := selectProtocolPayload{
		Protocol: "udp",
		Data: selectProtocolData{
			Address: external.Addr().String(),
			Port:    external.Port(),
			Mode:    string(mode),
		},
	}
	if err := l.send(ctx, OpSelectProtocol, selectProtocol); err != nil {
		return nil, fmt.Errorf("failed to send select protocol: %w", err)
	}

	c.setState(session.AwaitingSessionDescription)
	raw, err = c.await(ctx, l, OpSessionDescription)
	if err != nil {
		return nil, err
	}
	var desc sessionDescriptionPayload
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, &ProtocolError{Op: OpSessionDescription, Err: err}
	}
	key, err := parseKey(desc.SecretKey)
	if err != nil {
		return nil, err
	}
	if desc.Mode != "" {
		mode = udp.Mode(desc.Mode)
	}

	sess := session.New(session.Params{
		SSRC:              ready.SSRC,
		Address:           server,
		External:          external,
		Mode:              string(mode),
		Key:               key,
		HeartbeatInterval: interval,
		ServerID:          c.creds.ServerID,
		SessionID:         c.creds.SessionID,
		Token:             c.creds.Token,
	})
	ok = true
	c.install(l, sess, interval)
	c.setState(session.Connected)
	c.logger.Info("Voice session established",
		slog.Uint64("ssrc", uint64(sess.SSRC)),
		slog.String("mode", sess.Mode),
		slog.String("server", server.String()),
		slog.String("external", external.String()),
	)
	return sess, nil
}

// Resume makes a single attempt to resume prev on a fresh link.
// On success the same session is returned.
func (c *Client) Resume(ctx context.Context, prev *session.Session) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ResumeTimeout)
	defer cancel()

	c.dropLink(closeResumable)
	c.setState(session.Resuming)
	l, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResumeRejected, err)
	}
	ok := false
	defer func() {
		if !ok {
			l.shutdown(websocket.CloseNormalClosure)
		}
	}()

	interval, err := c.awaitHello(ctx, l)
	if err != nil {
		return nil, c.resumeError(err)
	}
	if interval == 0 {
		interval = prev.HeartbeatInterval
	}

	resume := resumePayload{
		ServerID:  prev.ServerID,
		SessionID: prev.SessionID,
		Token:     prev.Token,
	}
	if err := l.send(ctx, OpResume, resume); err != nil {
		return nil, c.resumeError(err)
	}
	if _, err := c.await(ctx, l, OpResumed); err != nil {
		return nil, c.resumeError(err)
	}

	ok = true
	c.install(l, prev, interval)
	c.setState(session.Connected)
	c.logger.Info("Voice session resumed", slog.Uint64("ssrc", uint64(prev.SSRC)))
	return prev, nil
}

func (c *Client) resumeError(err error) error {
	if IsFatal(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrResumeRejected, err)
}

// Recover tries exactly one Resume and falls back to a fresh Connect.
// The bool reports whether the previous session was resumed.
func (c *Client) Recover(ctx context.Context, prev *session.Session) (*session.Session, bool, error) {
	sess, err := c.Resume(ctx, prev)
	if err == nil {
		c.opts.Metrics.Recoveries.WithLabelValues("resumed").Inc()
		return sess, true, nil
	}
	if IsFatal(err) {
		c.opts.Metrics.Recoveries.WithLabelValues("failed").Inc()
		c.setState(session.Disconnected)
		return nil, false, err
	}
	c.logger.Warn("Resume failed, reconnecting", slog.Any("error", err))
	prev.Discard()

	sess, err = c.Connect(ctx)
	if err != nil {
		c.opts.Metrics.Recoveries.WithLabelValues("failed").Inc()
		return nil, false, err
	}
	c.opts.Metrics.Recoveries.WithLabelValues("reconnected").Inc()
	return sess, false, nil
}

// Disconnect closes the link with a normal close frame and discards the
// session key. The client cannot be reused.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	c.dropLink(websocket.CloseNormalClosure)
	c.setState(session.Disconnected)
	if sess != nil {
		sess.Discard()
	}
	return nil
}

// SetSpeaking queues a speaking update. It never blocks; the update is
// dropped if the link is down or its outbox is full.
func (c *Client) SetSpeaking(flags session.Flags, ssrc uint32) {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		c.logger.Debug("Dropping speaking update, no link")
		return
	}
	if !l.trySend(OpSpeaking, speakingPayload{Speaking: int(flags), SSRC: ssrc}) {
		c.logger.Warn("Dropping speaking update, outbox full",
			slog.Int("flags", int(flags)),
		)
	}
}

func (c *Client) dial(ctx context.Context) (*link, error) {
	u, err := gatewayURL(c.endpoint)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial voice gateway %s: %w", u, err)
	}
	return newLink(conn, c.logger), nil
}

// dropLink stops the current run loop and closes its link with code.
func (c *Client) dropLink(code int) {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l != nil {
		l.shutdown(code)
	}
	c.runWG.Wait()
}

func (c *Client) install(l *link, sess *session.Session, interval time.Duration) {
	c.mu.Lock()
	c.link = l
	c.sess = sess
	c.mu.Unlock()
	c.runWG.Add(1)
	go c.run(l, sess, interval)
}

func (c *Client) awaitHello(ctx context.Context, l *link) (time.Duration, error) {
	raw, err := c.await(ctx, l, OpHello)
	if err != nil {
		return 0, err
	}
	var hello helloPayload
	if err := json.Unmarshal(raw, &hello); err != nil {
		return 0, &ProtocolError{Op: OpHello, Err: err}
	}
	return hello.HeartbeatInterval.Duration(), nil
}

// await returns the payload of the next message with opcode want,
// skipping anything else.
func (c *Client) await(ctx context.Context, l *link, want Opcode) (json.RawMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case env, ok := <-l.inbound:
			if !ok {
				return nil, classifyClose(l.err)
			}
			if env.Op == want {
				return env.D, nil
			}
			c.logger.Debug("Skipping gateway message during handshake",
				slog.Int("op", int(env.Op)),
				slog.Int("want", int(want)),
			)
		}
	}
}

// run heartbeats and watches a connected link until it ends.
func (c *Client) run(l *link, sess *session.Session, interval time.Duration) {
	defer c.runWG.Done()
	logger := c.logger.With(slog.Uint64("ssrc", uint64(sess.SSRC)))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ackDeadline := time.NewTimer(2 * interval)
	defer ackDeadline.Stop()
	var sentAt time.Time

	for {
		select {
		case env, ok := <-l.inbound:
			if !ok {
				c.linkEnded(l)
				return
			}
			switch env.Op {
			case OpHeartbeatAck:
				if !sentAt.IsZero() {
					c.opts.Metrics.HeartbeatLatency.Observe(time.Since(sentAt).Seconds())
				}
				ackDeadline.Reset(2 * interval)
			case OpSpeaking:
				logger.Debug("Received speaking update", slog.String("payload", string(env.D)))
			case OpClientDisconnect:
				var p clientDisconnectPayload
				if err := json.Unmarshal(env.D, &p); err != nil {
					logger.Warn("Dropping malformed client disconnect", slog.Any("error", err))
					continue
				}
				c.emit(l, Event{Type: EventClientDisconnect, UserID: p.UserID})
			default:
				logger.Debug("Ignoring gateway message", slog.Int("op", int(env.Op)))
			}
		case now := <-ticker.C:
			sentAt = now
			if !l.trySend(OpHeartbeat, now.UnixMilli()) {
				logger.Warn("Failed to queue heartbeat")
			}
		case <-ackDeadline.C:
			logger.Warn("Heartbeat not acknowledged", slog.Duration("interval", interval))
			c.emit(l, Event{Type: EventLinkLost, Err: ErrHeartbeatTimeout})
			return
		}
	}
}

func (c *Client) linkEnded(l *link) {
	if l.local.Load() {
		return
	}
	err := classifyClose(l.err)
	if IsFatal(err) {
		c.logger.Error("Voice session closed by server", slog.Any("error", err))
		c.setState(session.Disconnected)
		c.emit(l, Event{Type: EventClosed, Err: err})
		return
	}
	c.logger.Warn("Voice gateway link lost", slog.Any("error", err))
	c.emit(l, Event{Type: EventLinkLost, Err: err})
}

func (c *Client) emit(l *link, ev Event) {
	select {
	case c.events <- ev:
	case <-l.done:
	case <-c.closed:
	}
}

func gatewayURL(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + strings.TrimSuffix(endpoint, ":80")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid voice endpoint %q: %w", endpoint, err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("v", "4")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func resolveServer(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, port), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil || len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve media server %q: %w", host, err)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), port), nil
}

func parseKey(raw []int) ([session.KeySize]byte, error) {
	var key [session.KeySize]byte
	if len(raw) != session.KeySize {
		return key, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}
	for i, v := range raw {
		if v < 0 || v > 255 {
			return key, fmt.Errorf("%w: byte %d out of range", ErrInvalidKey, i)
		}
		key[i] = byte(v)
	}
	return key, nil
}
