package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR, required"`
	Password string `env:"REDIS_PASSWORD"`

	JobStream   string `env:"REDIS_JOB_STREAM, default=voice_jobs"`
	JobGroup    string `env:"REDIS_JOB_GROUP, default=voice_workers"`
	EventStream string `env:"REDIS_EVENT_STREAM, default=voice_events"`
	// EventStreamMaxLen caps the event stream; older entries are trimmed.
	EventStreamMaxLen int64 `env:"REDIS_EVENT_STREAM_MAXLEN, default=10000"`
}

func NewRedisConfigFromEnv() (*RedisConfig, error) {
	var cfg RedisConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
