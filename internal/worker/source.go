package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glizzus/sound-stream/internal/audio"
	"github.com/glizzus/sound-stream/internal/datalayer"
	"github.com/glizzus/sound-stream/internal/opus"
	"github.com/glizzus/sound-stream/internal/voice/playout"
)

// BlobPrefix marks an input as the key of a stored clip.
const BlobPrefix = "blob:"

var ErrNoStorage = errors.New("stored clips are not configured")

// SourceResolver opens the frame source a play job asks for.
type SourceResolver interface {
	Resolve(ctx context.Context, input string) (playout.FrameSource, error)
}

// MediaResolver streams stored clips as they are and decodes and encodes
// everything else on the fly.
type MediaResolver struct {
	// Storage may be nil, in which case stored clips cannot be played.
	Storage datalayer.BlobStorage
	Audio   audio.Options
	Encoder opus.FrameEncoder
}

var _ SourceResolver = (*MediaResolver)(nil)

// Resolve starts the pipeline for input. ctx bounds the pipeline's
// subprocesses, so it must outlive playback.
func (r *MediaResolver) Resolve(ctx context.Context, input string) (playout.FrameSource, error) {
	if key, ok := strings.CutPrefix(input, BlobPrefix); ok {
		if r.Storage == nil {
			return nil, ErrNoStorage
		}
		rc, err := r.Storage.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to open stored clip: %w", err)
		}
		return opus.NewFrameStream(rc), nil
	}

	pcm, err := audio.Start(ctx, r.Audio, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}
	frames, err := r.Encoder.Encode(ctx, pcm)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to start encoder: %w", err), pcm.Close())
	}
	return frames, nil
}
