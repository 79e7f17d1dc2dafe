package handler

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

type ReadyHandler = func(*discordgo.Session, *discordgo.Ready)

var ReadyLog = func(s *discordgo.Session, r *discordgo.Ready) {
	username := r.User.Username
	userID := r.User.ID
	slog.Info("Bot is ready", "username", username, "userID", userID, "guilds", len(r.Guilds))
}

type Handlers struct {
	Ready ReadyHandler
}

// NewSession creates a bot session that only asks for the intents voice
// playback needs. The session is not opened.
func NewSession(token string, handlers Handlers) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if handlers.Ready != nil {
		s.AddHandler(handlers.Ready)
	}

	return s, nil
}
