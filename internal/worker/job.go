package worker

import (
	"errors"
	"fmt"
	"time"
)

type Action string

const (
	ActionPlay  Action = "play"
	ActionStop  Action = "stop"
	ActionLeave Action = "leave"
)

var ErrInvalidJob = errors.New("invalid job")

// Job is one request against a guild's voice connection.
type Job struct {
	ID      string
	Action  Action
	GuildID string
	// ChannelID is the voice channel to play in. Empty picks the busiest
	// channel of the guild.
	ChannelID string
	// Input is what to play: "blob:<key>" for a stored clip, otherwise a
	// file path or URL handed to the decoder.
	Input string
	// RunAt is when the job should run. The zero time means now.
	RunAt time.Time

	// MessageID is the stream entry the job was read from.
	MessageID string
}

func (j Job) Validate() error {
	if j.GuildID == "" {
		return fmt.Errorf("%w: guildID is required", ErrInvalidJob)
	}
	switch j.Action {
	case ActionPlay:
		if j.Input == "" {
			return fmt.Errorf("%w: input is required to play", ErrInvalidJob)
		}
	case ActionStop, ActionLeave:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidJob, j.Action)
	}
	return nil
}

func (j Job) values() map[string]any {
	values := map[string]any{
		"id":        j.ID,
		"action":    string(j.Action),
		"guildID":   j.GuildID,
		"channelID": j.ChannelID,
		"input":     j.Input,
	}
	if !j.RunAt.IsZero() {
		values["runAt"] = j.RunAt.Format(time.RFC3339Nano)
	}
	return values
}

func jobFromValues(messageID string, values map[string]any) (Job, error) {
	field := func(name string) string {
		s, _ := values[name].(string)
		return s
	}

	job := Job{
		ID:        field("id"),
		Action:    Action(field("action")),
		GuildID:   field("guildID"),
		ChannelID: field("channelID"),
		Input:     field("input"),
		MessageID: messageID,
	}
	if runAt := field("runAt"); runAt != "" {
		t, err := time.Parse(time.RFC3339Nano, runAt)
		if err != nil {
			return Job{}, fmt.Errorf("%w: bad runAt %q: %w", ErrInvalidJob, runAt, err)
		}
		job.RunAt = t
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (j Job) logAttrs() []any {
	attrs := []any{
		"jobID", j.ID,
		"action", string(j.Action),
		"guildID", j.GuildID,
	}
	if j.ChannelID != "" {
		attrs = append(attrs, "channelID", j.ChannelID)
	}
	if j.Input != "" {
		attrs = append(attrs, "input", j.Input)
	}
	if !j.RunAt.IsZero() {
		attrs = append(attrs, "runAt", j.RunAt.Format("2006-01-02 15:04:05"))
	}
	return attrs
}
