package handler

import "github.com/bwmarrin/discordgo"

// MaxAttendedChannel returns the ID of the voice channel with the most
// members in it. This returns "" if no voice channel has any members.
func MaxAttendedChannel(guild *discordgo.Guild) string {
	voiceChannels := make(map[string]bool, len(guild.Channels))
	for _, channel := range guild.Channels {
		if channel.Type == discordgo.ChannelTypeGuildVoice || channel.Type == discordgo.ChannelTypeGuildStageVoice {
			voiceChannels[channel.ID] = true
		}
	}

	attendance := make(map[string]int)
	for _, state := range guild.VoiceStates {
		if voiceChannels[state.ChannelID] {
			attendance[state.ChannelID]++
		}
	}

	var maxAttendedChannel string
	maxAttended := 0
	// Walk the channel list so ties resolve to the first listed channel.
	for _, channel := range guild.Channels {
		if n := attendance[channel.ID]; n > maxAttended {
			maxAttendedChannel = channel.ID
			maxAttended = n
		}
	}

	return maxAttendedChannel
}
