package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/glizzus/sound-stream/internal/config"
	"github.com/glizzus/sound-stream/internal/voice/udp"
	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-envconfig"
)

func TestNewVoiceConfigDefaults(t *testing.T) {
	cfg, err := config.NewVoiceConfig(context.Background(), envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("NewVoiceConfig() error = %v", err)
	}

	want := &config.VoiceConfig{
		FFmpegPath:        "ffmpeg",
		Bitrate:           64000,
		Application:       "audio",
		HandshakeTimeout:  10 * time.Second,
		ResumeTimeout:     5 * time.Second,
		MaxAttempts:       5,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		DiscoveryAttempts: 5,
		DiscoveryTimeout:  time.Second,
		GraceWindow:       10 * time.Millisecond,
		SilenceFrames:     5,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if modes := cfg.Gateway().Modes; modes != nil {
		t.Errorf("Gateway().Modes = %v, want nil for the built-in preference", modes)
	}
}

func TestNewVoiceConfigOverrides(t *testing.T) {
	env := map[string]string{
		"VOICE_MODES":            "xsalsa20_poly1305_lite,xsalsa20_poly1305",
		"VOICE_MAX_ATTEMPTS":     "2",
		"VOICE_PRIORITY_SPEAKER": "true",
		"VOICE_GRACE_WINDOW":     "4ms",
	}
	cfg, err := config.NewVoiceConfig(context.Background(), envconfig.MapLookuper(env))
	if err != nil {
		t.Fatalf("NewVoiceConfig() error = %v", err)
	}

	gw := cfg.Gateway()
	if diff := cmp.Diff([]udp.Mode{udp.ModeXSalsa20Poly1305Lite, udp.ModeXSalsa20Poly1305}, gw.Modes); diff != "" {
		t.Errorf("Gateway().Modes mismatch (-want +got):\n%s", diff)
	}
	if gw.MaxAttempts != 2 {
		t.Errorf("Gateway().MaxAttempts = %d, want 2", gw.MaxAttempts)
	}
	p := cfg.Playout()
	if !p.Priority || p.GraceWindow != 4*time.Millisecond {
		t.Errorf("Playout() = %+v, want priority with 4ms grace", p)
	}
}

func TestNewVoiceConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown mode", map[string]string{"VOICE_MODES": "rot13"}},
		{"zero attempts", map[string]string{"VOICE_MAX_ATTEMPTS": "0"}},
		{"zero silence", map[string]string{"VOICE_SILENCE_FRAMES": "0"}},
		{"bad duration", map[string]string{"VOICE_RESUME_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.NewVoiceConfig(context.Background(), envconfig.MapLookuper(tt.env)); err == nil {
				t.Error("NewVoiceConfig() returned nil error")
			}
		})
	}
}
