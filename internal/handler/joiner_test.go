package handler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/glizzus/sound-stream/internal/handler"
	"github.com/glizzus/sound-stream/internal/voice"
	"github.com/glizzus/sound-stream/internal/voice/gateway"
	"github.com/google/go-cmp/cmp"
)

type voiceStateCall struct {
	GuildID   string
	ChannelID string
}

type fakeSender struct {
	mu    sync.Mutex
	calls []voiceStateCall
	sent  chan struct{}
	err   error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan struct{}, 8)}
}

func (f *fakeSender) ChannelVoiceJoinManual(gID, cID string, mute, deaf bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, voiceStateCall{GuildID: gID, ChannelID: cID})
	f.mu.Unlock()
	f.sent <- struct{}{}
	return f.err
}

func (f *fakeSender) recorded() []voiceStateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]voiceStateCall(nil), f.calls...)
}

func botID() string { return "bot" }

func stateUpdate(guildID, channelID, userID, sessionID string) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		SessionID: sessionID,
	}}
}

func TestVoiceJoinerJoin(t *testing.T) {
	sender := newFakeSender()
	joiner := handler.NewVoiceJoinerWith(sender, botID, time.Second)

	type result struct {
		server voice.VoiceServer
		err    error
	}
	done := make(chan result, 1)
	go func() {
		server, err := joiner.Join(context.Background(), "guild", "channel")
		done <- result{server, err}
	}()
	<-sender.sent

	// Updates for other users, other guilds and unallocated servers are ignored.
	joiner.HandleVoiceStateUpdate(nil, stateUpdate("guild", "channel", "someone", "nope"))
	joiner.HandleVoiceServerUpdate(nil, &discordgo.VoiceServerUpdate{GuildID: "other", Token: "x", Endpoint: "x"})
	joiner.HandleVoiceServerUpdate(nil, &discordgo.VoiceServerUpdate{GuildID: "guild", Token: "tok"})
	joiner.HandleVoiceServerUpdate(nil, &discordgo.VoiceServerUpdate{GuildID: "guild", Token: "tok", Endpoint: "voice.example:443"})
	joiner.HandleVoiceStateUpdate(nil, stateUpdate("guild", "channel", "bot", "sess"))

	var got result
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return")
	}
	if got.err != nil {
		t.Fatalf("Join() error = %v", got.err)
	}
	want := voice.VoiceServer{
		Endpoint: "voice.example:443",
		Credentials: gateway.Credentials{
			ServerID:  "guild",
			UserID:    "bot",
			SessionID: "sess",
			Token:     "tok",
		},
	}
	if diff := cmp.Diff(want, got.server); diff != "" {
		t.Errorf("Join() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]voiceStateCall{{"guild", "channel"}}, sender.recorded()); diff != "" {
		t.Errorf("voice state updates mismatch (-want +got):\n%s", diff)
	}
}

func TestVoiceJoinerTimeout(t *testing.T) {
	sender := newFakeSender()
	joiner := handler.NewVoiceJoinerWith(sender, botID, 20*time.Millisecond)

	_, err := joiner.Join(context.Background(), "guild", "channel")
	if !errors.Is(err, handler.ErrVoiceJoinTimeout) {
		t.Fatalf("Join() error = %v, want ErrVoiceJoinTimeout", err)
	}
}

func TestVoiceJoinerSendError(t *testing.T) {
	sender := newFakeSender()
	sender.err = errors.New("websocket not open")
	joiner := handler.NewVoiceJoinerWith(sender, botID, time.Second)

	if _, err := joiner.Join(context.Background(), "guild", "channel"); !errors.Is(err, sender.err) {
		t.Fatalf("Join() error = %v, want %v", err, sender.err)
	}
}

func TestVoiceJoinerLeave(t *testing.T) {
	sender := newFakeSender()
	joiner := handler.NewVoiceJoinerWith(sender, botID, time.Second)

	if err := joiner.Leave(context.Background(), "guild"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if diff := cmp.Diff([]voiceStateCall{{"guild", ""}}, sender.recorded()); diff != "" {
		t.Errorf("voice state updates mismatch (-want +got):\n%s", diff)
	}
}
