package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/glizzus/sound-stream/internal/voice"
	"github.com/glizzus/sound-stream/internal/voice/gateway"
)

var ErrVoiceJoinTimeout = errors.New("timed out waiting for voice server assignment")

// VoiceStateSender sends voice state updates over the main gateway.
// *discordgo.Session implements it.
type VoiceStateSender interface {
	ChannelVoiceJoinManual(gID, cID string, mute, deaf bool) error
}

var _ VoiceStateSender = (*discordgo.Session)(nil)

type pendingJoin struct {
	mu        sync.Mutex
	sessionID string
	token     string
	endpoint  string
	once      sync.Once
	done      chan struct{}
}

func (p *pendingJoin) completeIfReady() {
	p.mu.Lock()
	ready := p.sessionID != "" && p.token != "" && p.endpoint != ""
	p.mu.Unlock()
	if ready {
		p.once.Do(func() { close(p.done) })
	}
}

// VoiceJoiner moves the bot between voice channels and collects the voice
// server assignment and session id the main gateway hands out in return.
type VoiceJoiner struct {
	sender  VoiceStateSender
	userID  func() string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingJoin
}

var _ voice.Joiner = (*VoiceJoiner)(nil)

// NewVoiceJoiner registers the voice update handlers on s. s must be opened
// before Join is called.
func NewVoiceJoiner(s *discordgo.Session, timeout time.Duration) *VoiceJoiner {
	j := NewVoiceJoinerWith(s, func() string { return s.State.User.ID }, timeout)
	s.AddHandler(j.HandleVoiceServerUpdate)
	s.AddHandler(j.HandleVoiceStateUpdate)
	return j
}

// NewVoiceJoinerWith builds a joiner whose handlers the caller wires up.
func NewVoiceJoinerWith(sender VoiceStateSender, userID func() string, timeout time.Duration) *VoiceJoiner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &VoiceJoiner{
		sender:  sender,
		userID:  userID,
		timeout: timeout,
		logger:  slog.Default().With(slog.String("component", "voice_joiner")),
		pending: make(map[string]*pendingJoin),
	}
}

func (j *VoiceJoiner) Join(ctx context.Context, guildID, channelID string) (voice.VoiceServer, error) {
	p := &pendingJoin{done: make(chan struct{})}
	j.mu.Lock()
	j.pending[guildID] = p
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		if j.pending[guildID] == p {
			delete(j.pending, guildID)
		}
		j.mu.Unlock()
	}()

	if err := j.sender.ChannelVoiceJoinManual(guildID, channelID, false, true); err != nil {
		return voice.VoiceServer{}, fmt.Errorf("failed to send voice state update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return voice.VoiceServer{}, fmt.Errorf("%w: guild %s", ErrVoiceJoinTimeout, guildID)
		}
		return voice.VoiceServer{}, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return voice.VoiceServer{
		Endpoint: p.endpoint,
		Credentials: gateway.Credentials{
			ServerID:  guildID,
			UserID:    j.userID(),
			SessionID: p.sessionID,
			Token:     p.token,
		},
	}, nil
}

func (j *VoiceJoiner) Leave(ctx context.Context, guildID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := j.sender.ChannelVoiceJoinManual(guildID, "", false, true); err != nil {
		return fmt.Errorf("failed to send voice state update: %w", err)
	}
	return nil
}

func (j *VoiceJoiner) lookup(guildID string) (*pendingJoin, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.pending[guildID]
	return p, ok
}

func (j *VoiceJoiner) HandleVoiceServerUpdate(_ *discordgo.Session, u *discordgo.VoiceServerUpdate) {
	p, ok := j.lookup(u.GuildID)
	if !ok {
		return
	}
	// An empty endpoint means the server is still being allocated.
	if u.Endpoint == "" {
		j.logger.Debug("Voice server not allocated yet", slog.String("guild_id", u.GuildID))
		return
	}
	p.mu.Lock()
	p.token = u.Token
	p.endpoint = u.Endpoint
	p.mu.Unlock()
	p.completeIfReady()
}

func (j *VoiceJoiner) HandleVoiceStateUpdate(_ *discordgo.Session, u *discordgo.VoiceStateUpdate) {
	if u.VoiceState == nil || u.UserID != j.userID() || u.ChannelID == "" {
		return
	}
	p, ok := j.lookup(u.GuildID)
	if !ok {
		return
	}
	p.mu.Lock()
	p.sessionID = u.SessionID
	p.mu.Unlock()
	p.completeIfReady()
}
