package config

import (
	"context"
	"fmt"
	"time"

	"github.com/glizzus/sound-stream/internal/audio"
	"github.com/glizzus/sound-stream/internal/opus"
	"github.com/glizzus/sound-stream/internal/voice/gateway"
	"github.com/glizzus/sound-stream/internal/voice/playout"
	"github.com/glizzus/sound-stream/internal/voice/udp"
	"github.com/sethvargo/go-envconfig"
)

// VoiceConfig tunes the voice stack. Every field has a working default.
type VoiceConfig struct {
	FFmpegPath string `env:"VOICE_FFMPEG_PATH, default=ffmpeg"`
	Bitrate    int    `env:"VOICE_BITRATE, default=64000"`
	// Application is the libopus application: voip, audio or lowdelay.
	Application string `env:"VOICE_OPUS_APPLICATION, default=audio"`

	// Modes overrides the encryption mode preference, most preferred first.
	Modes []string `env:"VOICE_MODES"`

	HandshakeTimeout time.Duration `env:"VOICE_HANDSHAKE_TIMEOUT, default=10s"`
	ResumeTimeout    time.Duration `env:"VOICE_RESUME_TIMEOUT, default=5s"`
	MaxAttempts      int           `env:"VOICE_MAX_ATTEMPTS, default=5"`
	InitialBackoff   time.Duration `env:"VOICE_INITIAL_BACKOFF, default=1s"`
	MaxBackoff       time.Duration `env:"VOICE_MAX_BACKOFF, default=30s"`

	DiscoveryAttempts int           `env:"VOICE_DISCOVERY_ATTEMPTS, default=5"`
	DiscoveryTimeout  time.Duration `env:"VOICE_DISCOVERY_TIMEOUT, default=1s"`

	GraceWindow   time.Duration `env:"VOICE_GRACE_WINDOW, default=10ms"`
	SilenceFrames int           `env:"VOICE_SILENCE_FRAMES, default=5"`
	Priority      bool          `env:"VOICE_PRIORITY_SPEAKER, default=false"`
}

func NewVoiceConfigFromEnv() (*VoiceConfig, error) {
	return NewVoiceConfig(context.Background(), envconfig.OsLookuper())
}

// NewVoiceConfig reads the voice settings through lookuper.
func NewVoiceConfig(ctx context.Context, lookuper envconfig.Lookuper) (*VoiceConfig, error) {
	var cfg VoiceConfig
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, err
	}
	if len(cfg.Modes) > 0 {
		if _, err := udp.ParseModes(cfg.Modes); err != nil {
			return nil, fmt.Errorf("invalid VOICE_MODES: %w", err)
		}
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("VOICE_MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.SilenceFrames < 1 {
		return nil, fmt.Errorf("VOICE_SILENCE_FRAMES must be at least 1, got %d", cfg.SilenceFrames)
	}
	return &cfg, nil
}

func (c *VoiceConfig) Gateway() gateway.Options {
	var modes []udp.Mode
	if len(c.Modes) > 0 {
		// Validated when the config was loaded.
		modes, _ = udp.ParseModes(c.Modes)
	}
	return gateway.Options{
		Modes:            modes,
		HandshakeTimeout: c.HandshakeTimeout,
		ResumeTimeout:    c.ResumeTimeout,
		MaxAttempts:      c.MaxAttempts,
		InitialBackoff:   c.InitialBackoff,
		MaxBackoff:       c.MaxBackoff,
	}
}

func (c *VoiceConfig) UDP() udp.Options {
	return udp.Options{
		DiscoveryAttempts: c.DiscoveryAttempts,
		DiscoveryTimeout:  c.DiscoveryTimeout,
	}
}

func (c *VoiceConfig) Playout() playout.Options {
	return playout.Options{
		GraceWindow:   c.GraceWindow,
		SilenceFrames: c.SilenceFrames,
		Priority:      c.Priority,
	}
}

func (c *VoiceConfig) Audio() audio.Options {
	return audio.Options{FFmpegPath: c.FFmpegPath}
}

func (c *VoiceConfig) Encoder() opus.FFmpegEncoder {
	return opus.FFmpegEncoder{
		Path:        c.FFmpegPath,
		Bitrate:     c.Bitrate,
		Application: c.Application,
	}
}
