package worker_test

import (
	"errors"
	"testing"

	"github.com/glizzus/sound-stream/internal/worker"
)

func TestJobValidate(t *testing.T) {
	tc := []struct {
		name string
		job  worker.Job
		err  bool
	}{
		{
			name: "Play job with input should be valid",
			job:  worker.Job{Action: worker.ActionPlay, GuildID: "g", Input: "blob:airhorn"},
		},
		{
			name: "Play job without input should return error",
			job:  worker.Job{Action: worker.ActionPlay, GuildID: "g"},
			err:  true,
		},
		{
			name: "Stop job should not need input",
			job:  worker.Job{Action: worker.ActionStop, GuildID: "g"},
		},
		{
			name: "Leave job should not need input",
			job:  worker.Job{Action: worker.ActionLeave, GuildID: "g"},
		},
		{
			name: "Job without guild should return error",
			job:  worker.Job{Action: worker.ActionStop},
			err:  true,
		},
		{
			name: "Unknown action should return error",
			job:  worker.Job{Action: "dance", GuildID: "g"},
			err:  true,
		},
	}

	for _, testCase := range tc {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.job.Validate()
			if testCase.err {
				if !errors.Is(err, worker.ErrInvalidJob) {
					t.Errorf("expected ErrInvalidJob but got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
