package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glizzus/sound-stream/internal/schedule"
	"github.com/glizzus/sound-stream/internal/voice"
	"github.com/glizzus/sound-stream/internal/voice/playout"
)

// ErrNoAudience is returned when a play job names no channel and nobody
// is in any voice channel of the guild.
var ErrNoAudience = errors.New("no voice channel has members")

type JobHandler interface {
	HandleJobs(ctx context.Context, jobs ...Job) error
}

type PrintingJobHandler struct{}

func (h *PrintingJobHandler) HandleJobs(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		slog.InfoContext(ctx, "Handling voice job", job.logAttrs()...)
	}
	return nil
}

var _ JobHandler = (*PrintingJobHandler)(nil)

// Player is the voice side a job runs against. *voice.Manager implements it.
type Player interface {
	Play(ctx context.Context, guildID, channelID string, src playout.FrameSource) error
	Stop(guildID string) bool
	Leave(ctx context.Context, guildID string) error
}

var _ Player = (*voice.Manager)(nil)

// ChannelPicker chooses a voice channel for a guild. It returns "" when no
// channel is suitable.
type ChannelPicker func(guildID string) (string, error)

// VoiceJobHandler runs jobs against a Player at their scheduled time.
type VoiceJobHandler struct {
	player   Player
	resolver SourceResolver
	pick     ChannelPicker
	preload  time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

type VoiceJobHandlerOptions struct {
	// PickChannel is used for play jobs without a channel.
	PickChannel ChannelPicker
	// Preload is how long before RunAt the source of a play job is opened.
	Preload time.Duration
	Logger  *slog.Logger
}

func NewVoiceJobHandler(player Player, resolver SourceResolver, opts VoiceJobHandlerOptions) *VoiceJobHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PickChannel == nil {
		opts.PickChannel = func(string) (string, error) { return "", nil }
	}
	return &VoiceJobHandler{
		player:   player,
		resolver: resolver,
		pick:     opts.PickChannel,
		preload:  opts.Preload,
		logger:   opts.Logger.With(slog.String("component", "job_handler")),
	}
}

var _ JobHandler = (*VoiceJobHandler)(nil)

// HandleJobs schedules the jobs and returns without waiting for them.
func (h *VoiceJobHandler) HandleJobs(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		start := job.RunAt
		if job.Action == ActionPlay {
			start = start.Add(-h.preload)
		}
		h.wg.Add(1)
		done := schedule.RunAt(ctx, start, func(ctx context.Context) {
			if err := h.Execute(ctx, job); err != nil {
				attrs := append(job.logAttrs(), slog.Any("error", err))
				h.logger.Error("Failed to execute voice job", attrs...)
			}
		})
		go func() {
			<-done
			h.wg.Done()
		}()
	}
	return nil
}

// Wait blocks until every scheduled job has run or been cancelled.
func (h *VoiceJobHandler) Wait() {
	h.wg.Wait()
}

// Execute runs one job. Play jobs open their source first and then wait
// for RunAt.
func (h *VoiceJobHandler) Execute(ctx context.Context, job Job) error {
	switch job.Action {
	case ActionStop:
		if !h.player.Stop(job.GuildID) {
			h.logger.Info("Nothing to stop", job.logAttrs()...)
		}
		return nil
	case ActionLeave:
		return h.player.Leave(ctx, job.GuildID)
	case ActionPlay:
		return h.play(ctx, job)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidJob, job.Action)
	}
}

func (h *VoiceJobHandler) play(ctx context.Context, job Job) error {
	channelID := job.ChannelID
	if channelID == "" {
		picked, err := h.pick(job.GuildID)
		if err != nil {
			return fmt.Errorf("failed to pick a voice channel: %w", err)
		}
		if picked == "" {
			return ErrNoAudience
		}
		channelID = picked
	}

	src, err := h.resolver.Resolve(ctx, job.Input)
	if err != nil {
		return err
	}

	if delay := time.Until(job.RunAt); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			_ = src.Close()
			return ctx.Err()
		}
	}

	h.logger.Info("Playing", append(job.logAttrs(), "targetChannelID", channelID)...)
	return h.player.Play(ctx, job.GuildID, channelID, src)
}
