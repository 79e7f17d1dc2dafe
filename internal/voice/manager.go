package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glizzus/sound-stream/internal/metrics"
	"github.com/glizzus/sound-stream/internal/voice/gateway"
	"github.com/glizzus/sound-stream/internal/voice/playout"
	"github.com/glizzus/sound-stream/internal/voice/udp"
)

// VoiceServer is where and how to connect for one guild, as handed out by
// the main gateway.
type VoiceServer struct {
	Endpoint    string
	Credentials gateway.Credentials
}

// Joiner asks the main gateway to move the bot into a voice channel.
type Joiner interface {
	Join(ctx context.Context, guildID, channelID string) (VoiceServer, error)
	Leave(ctx context.Context, guildID string) error
}

var ErrManagerClosed = errors.New("voice manager is closed")

// DialFunc opens a Connection to a voice server.
type DialFunc func(ctx context.Context, server VoiceServer) (*Connection, error)

type ManagerOptions struct {
	Gateway    gateway.Options
	UDP        udp.Options
	Connection Options
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	// OnNotification receives every notification of every connection.
	OnNotification func(guildID string, n Notification)
	// Dial overrides how connections are opened.
	Dial DialFunc
}

type guildConnection struct {
	channelID string
	conn      *Connection
}

// Manager keeps at most one Connection per guild.
type Manager struct {
	joiner Joiner
	opts   ManagerOptions
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[string]*guildConnection
	guilds map[string]*sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewManager(joiner Joiner, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	m := &Manager{
		joiner: joiner,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "voice_manager")),
		conns:  make(map[string]*guildConnection),
		guilds: make(map[string]*sync.Mutex),
	}
	if m.opts.Dial == nil {
		m.opts.Dial = m.dial
	}
	return m
}

func (m *Manager) dial(ctx context.Context, server VoiceServer) (*Connection, error) {
	udpOpts := m.opts.UDP
	udpOpts.Logger, udpOpts.Metrics = m.opts.Logger, m.opts.Metrics
	channel := udp.NewChannel(udpOpts)

	gwOpts := m.opts.Gateway
	gwOpts.Logger, gwOpts.Metrics = m.opts.Logger, m.opts.Metrics
	client := gateway.New(server.Endpoint, server.Credentials, channel, gwOpts)

	connOpts := m.opts.Connection
	connOpts.Logger, connOpts.Metrics = m.opts.Logger, m.opts.Metrics
	return Dial(ctx, client, channel, connOpts)
}

// lockGuild serializes joins and leaves of one guild. It returns the
// unlock function.
func (m *Manager) lockGuild(guildID string) func() {
	m.mu.Lock()
	l, ok := m.guilds[guildID]
	if !ok {
		l = &sync.Mutex{}
		m.guilds[guildID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Connect returns the guild's connection, joining channelID first if the
// bot is not connected there yet. Concurrent calls for one guild share a
// single connection.
func (m *Manager) Connect(ctx context.Context, guildID, channelID string) (*Connection, error) {
	unlock := m.lockGuild(guildID)
	defer unlock()

	m.mu.Lock()
	closed := m.closed
	existing, ok := m.conns[guildID]
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if ok {
		select {
		case <-existing.conn.Done():
			// Ended on its own; the rejoin below replaces it.
			m.forget(guildID, existing.conn)
		default:
			if existing.channelID == channelID {
				return existing.conn, nil
			}
			if err := m.leave(ctx, guildID); err != nil {
				return nil, err
			}
		}
	}

	server, err := m.joiner.Join(ctx, guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel %s: %w", channelID, err)
	}
	conn, err := m.opts.Dial(ctx, server)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("failed to connect to voice server %s: %w", server.Endpoint, err),
			m.joiner.Leave(ctx, guildID),
		)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Disconnect()
		return nil, errors.Join(ErrManagerClosed, m.joiner.Leave(ctx, guildID))
	}
	m.conns[guildID] = &guildConnection{channelID: channelID, conn: conn}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.forward(guildID, conn)

	m.logger.Info("Joined voice channel",
		slog.String("guild_id", guildID),
		slog.String("channel_id", channelID),
	)
	return conn, nil
}

// Play connects to channelID if needed and replaces whatever the guild is
// playing with src. src is closed if the connection cannot be made.
func (m *Manager) Play(ctx context.Context, guildID, channelID string, src playout.FrameSource) error {
	conn, err := m.Connect(ctx, guildID, channelID)
	if err != nil {
		_ = src.Close()
		return err
	}
	return conn.Play(ctx, src)
}

// Stop ends the guild's current track and reports whether there was a
// connection to stop. The bot stays in the channel.
func (m *Manager) Stop(guildID string) bool {
	conn, ok := m.Get(guildID)
	if !ok {
		return false
	}
	conn.Stop()
	return true
}

// Get returns the guild's connection, if any.
func (m *Manager) Get(guildID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gc, ok := m.conns[guildID]
	if !ok {
		return nil, false
	}
	return gc.conn, true
}

// Leave disconnects the guild's connection and leaves the channel.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	unlock := m.lockGuild(guildID)
	defer unlock()
	return m.leave(ctx, guildID)
}

// leave expects the guild lock to be held.
func (m *Manager) leave(ctx context.Context, guildID string) error {
	m.mu.Lock()
	gc, ok := m.conns[guildID]
	delete(m.conns, guildID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_ = gc.conn.Disconnect()
	if err := m.joiner.Leave(ctx, guildID); err != nil {
		return fmt.Errorf("failed to leave voice channel in guild %s: %w", guildID, err)
	}
	return nil
}

// Close leaves every guild and waits for notification forwarding to end.
// Connect fails with ErrManagerClosed afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	guilds := make([]string, 0, len(m.conns))
	for guildID := range m.conns {
		guilds = append(guilds, guildID)
	}
	m.mu.Unlock()

	var errs []error
	for _, guildID := range guilds {
		errs = append(errs, m.Leave(ctx, guildID))
	}
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) forward(guildID string, conn *Connection) {
	defer m.wg.Done()
	for n := range conn.Notifications() {
		if m.opts.OnNotification != nil {
			m.opts.OnNotification(guildID, n)
		}
	}
	// The connection ended on its own; forget it if it is still current.
	unlock := m.lockGuild(guildID)
	defer unlock()
	if m.forget(guildID, conn) {
		if err := m.joiner.Leave(context.Background(), guildID); err != nil {
			m.logger.Warn("Failed to leave voice channel after disconnect",
				slog.String("guild_id", guildID),
				slog.Any("error", err),
			)
		}
	}
}

// forget drops conn from the guild map if it is still the guild's
// connection, and reports whether it was.
func (m *Manager) forget(guildID string, conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	gc, ok := m.conns[guildID]
	if !ok || gc.conn != conn {
		return false
	}
	delete(m.conns, guildID)
	return true
}
