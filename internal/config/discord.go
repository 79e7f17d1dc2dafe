package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type DiscordConfig struct {
	Token string `env:"DISCORD_TOKEN, required"`
	// VoiceJoinTimeout bounds the wait for the voice server assignment
	// after asking to join a channel.
	VoiceJoinTimeout time.Duration `env:"DISCORD_VOICE_JOIN_TIMEOUT, default=10s"`
}

func NewDiscordConfigFromEnv() (*DiscordConfig, error) {
	var cfg DiscordConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
