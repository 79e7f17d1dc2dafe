package session

import (
	"net/netip"
	"sync"
	"time"
)

const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond

	// FrameSamples is the number of samples per channel in one 20ms frame.
	FrameSamples = SampleRate / 50

	// PCMFrameBytes is the size of one frame of s16le interleaved PCM.
	PCMFrameBytes = FrameSamples * Channels * 2

	KeySize = 32
)

// Session is the result of one successful voice handshake.
// Its exported fields never change after creation; a new handshake always
// produces a new Session. Only the key can be discarded.
type Session struct {
	SSRC     uint32
	Address  netip.AddrPort
	External netip.AddrPort
	Mode     string

	mu        sync.Mutex
	key       [KeySize]byte
	discarded bool
	onDiscard []func()

	HeartbeatInterval time.Duration

	ServerID  string
	SessionID string
	Token     string
}

// Params carries everything needed to build a Session.
type Params struct {
	SSRC              uint32
	Address           netip.AddrPort
	External          netip.AddrPort
	Mode              string
	Key               [KeySize]byte
	HeartbeatInterval time.Duration
	ServerID          string
	SessionID         string
	Token             string
}

func New(p Params) *Session {
	return &Session{
		SSRC:              p.SSRC,
		Address:           p.Address,
		External:          p.External,
		Mode:              p.Mode,
		key:               p.Key,
		HeartbeatInterval: p.HeartbeatInterval,
		ServerID:          p.ServerID,
		SessionID:         p.SessionID,
		Token:             p.Token,
	}
}

// Key returns a copy of the secret key.
func (s *Session) Key() [KeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Discard zeroes the key held by the session and runs the OnDiscard
// hooks. It is called once the session is no longer usable (disconnect
// or failed resume). Later calls do nothing.
func (s *Session) Discard() {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return
	}
	s.discarded = true
	clear(s.key[:])
	hooks := s.onDiscard
	s.onDiscard = nil
	s.mu.Unlock()

	for _, f := range hooks {
		f()
	}
}

func (s *Session) Discarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// OnDiscard registers f to run when the session is discarded, so holders
// of key material derived from it can drop it. It returns false without
// registering f if the session is already discarded.
func (s *Session) OnDiscard(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return false
	}
	s.onDiscard = append(s.onDiscard, f)
	return true
}
