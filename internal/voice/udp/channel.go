package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/glizzus/sound-stream/internal/metrics"
	"github.com/glizzus/sound-stream/internal/voice/session"
	"github.com/pion/rtp"
)

// PayloadTypeOpus is the RTP payload type used for voice frames.
const PayloadTypeOpus = 0x78

var (
	ErrDiscoveryTimeout = errors.New("ip discovery timed out")
	ErrChannelClosed    = errors.New("media channel is not open")
	ErrSessionDiscarded = errors.New("session key was discarded")
)

type Options struct {
	DiscoveryAttempts int
	DiscoveryTimeout  time.Duration
	// ControlQueue bounds the number of unread discovery packets.
	ControlQueue int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.DiscoveryAttempts <= 0 {
		o.DiscoveryAttempts = 5
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = time.Second
	}
	if o.ControlQueue <= 0 {
		o.ControlQueue = 8
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Discard()
	}
}

// Channel owns the media UDP socket. No other component performs I/O on it.
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	sealer  Sealer
	sealFor *session.Session

	control chan []byte
	wg      sync.WaitGroup
}

func NewChannel(opts Options) *Channel {
	opts.setDefaults()
	return &Channel{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "udp")),
		control: make(chan []byte, opts.ControlQueue),
	}
}

// Negotiate opens the socket towards server and discovers the external
// address the server sees for it. Any previously open socket is closed.
// It is safe to call again after a failure.
func (c *Channel) Negotiate(ctx context.Context, ssrc uint32, server netip.AddrPort) (netip.AddrPort, error) {
	if err := c.open(server); err != nil {
		return netip.AddrPort{}, err
	}
	return c.Discover(ctx, ssrc)
}

func (c *Channel) open(server netip.AddrPort) error {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(server))
	if err != nil {
		return fmt.Errorf("unable to open media socket to %s: %w", server, err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.sealer = nil
	c.sealFor = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	c.wg.Add(1)
	go c.receiveLoop(conn)

	c.logger.Debug("media socket opened", slog.String("server", server.String()))
	return nil
}

// Discover sends discovery probes until a reply for ssrc arrives or the
// attempts run out.
func (c *Channel) Discover(ctx context.Context, ssrc uint32) (netip.AddrPort, error) {
	probe := MarshalDiscovery(Discovery{Type: DiscoveryRequest, SSRC: ssrc})

	for attempt := 1; attempt <= c.opts.DiscoveryAttempts; attempt++ {
		c.drainControl()
		if err := c.write(probe); err != nil {
			return netip.AddrPort{}, err
		}
		c.opts.Metrics.DiscoveryTries.Inc()

		addr, err := c.awaitDiscovery(ctx, ssrc)
		if err == nil {
			c.logger.Info("ip discovery complete",
				slog.String("external", addr.String()),
				slog.Int("attempt", attempt),
			)
			return addr, nil
		}
		if ctx.Err() != nil {
			return netip.AddrPort{}, ctx.Err()
		}
		c.logger.Warn("ip discovery attempt failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}
	return netip.AddrPort{}, fmt.Errorf("%w after %d attempts", ErrDiscoveryTimeout, c.opts.DiscoveryAttempts)
}

func (c *Channel) awaitDiscovery(ctx context.Context, ssrc uint32) (netip.AddrPort, error) {
	timer := time.NewTimer(c.opts.DiscoveryTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return netip.AddrPort{}, ctx.Err()
		case <-timer.C:
			return netip.AddrPort{}, ErrDiscoveryTimeout
		case packet := <-c.control:
			reply, err := ParseDiscovery(packet)
			if err != nil {
				c.logger.Debug("dropping malformed discovery reply", slog.Any("error", err))
				continue
			}
			if reply.Type != DiscoveryResponse || reply.SSRC != ssrc {
				continue
			}
			return reply.AddrPort()
		}
	}
}

func (c *Channel) drainControl() {
	for {
		select {
		case <-c.control:
		default:
			return
		}
	}
}

// Send seals f for s and writes it as one datagram.
func (c *Channel) Send(s *session.Session, f session.Frame) error {
	header := rtp.Header{
		Version:        2,
		PayloadType:    PayloadTypeOpus,
		SequenceNumber: f.Sequence,
		Timestamp:      f.Timestamp,
		SSRC:           s.SSRC,
	}
	raw, err := header.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal rtp header: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrChannelClosed
	}
	if c.sealFor != s {
		c.sealer, c.sealFor = nil, nil
		if !s.OnDiscard(func() { c.forget(s) }) {
			return ErrSessionDiscarded
		}
		key := s.Key()
		if s.Discarded() {
			return ErrSessionDiscarded
		}
		sealer, err := NewSealer(Mode(s.Mode), key)
		if err != nil {
			return err
		}
		c.sealer, c.sealFor = sealer, s
	}

	packet, err := c.sealer.Seal(raw, f.Payload)
	if err != nil {
		return fmt.Errorf("failed to seal frame %d: %w", f.Sequence, err)
	}
	if _, err := c.conn.Write(packet); err != nil {
		c.opts.Metrics.SendErrors.Inc()
		return fmt.Errorf("failed to write frame %d: %w", f.Sequence, err)
	}
	return nil
}

// forget drops the sealer if it was built for s.
func (c *Channel) forget(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealFor == s {
		c.sealer, c.sealFor = nil, nil
	}
}

// TryReceiveControlPacket returns the next unread discovery packet, if any.
func (c *Channel) TryReceiveControlPacket() ([]byte, bool) {
	select {
	case packet := <-c.control:
		return packet, true
	default:
		return nil, false
	}
}

// LocalAddr returns the local address of the socket, if open.
func (c *Channel) LocalAddr() (netip.AddrPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return netip.AddrPort{}, false
	}
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort(), true
}

func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.sealer = nil
	c.sealFor = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Channel) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrChannelClosed
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("failed to write to media socket: %w", err)
	}
	return nil
}

func (c *Channel) receiveLoop(conn *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Debug("media socket read error", slog.Any("error", err))
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		c.handleInbound(packet)
	}
}

func (c *Channel) handleInbound(packet []byte) {
	if isDiscovery(packet) {
		select {
		case c.control <- packet:
		default:
			c.opts.Metrics.DroppedPackets.WithLabelValues("control_overflow").Inc()
		}
		return
	}

	if len(packet) < rtpHeaderSize || packet[0]>>6 != 2 {
		c.opts.Metrics.DroppedPackets.WithLabelValues("malformed").Inc()
		c.logger.Debug("dropping malformed media packet", slog.Int("size", len(packet)))
		return
	}

	c.mu.Lock()
	sealer := c.sealer
	c.mu.Unlock()
	if sealer == nil {
		c.opts.Metrics.DroppedPackets.WithLabelValues("no_session").Inc()
		return
	}

	if _, _, err := sealer.Open(packet); err != nil {
		c.opts.Metrics.DroppedPackets.WithLabelValues("undecryptable").Inc()
		c.logger.Debug("dropping undecryptable media packet", slog.Any("error", err))
		return
	}
	// Inbound voice is not played back; authenticated packets are discarded.
	c.opts.Metrics.DroppedPackets.WithLabelValues("inbound_audio").Inc()
}
