package playout

import "github.com/glizzus/sound-stream/internal/voice/session"

// Tracker debounces speaking state. It goes active on the first active
// observation and silent only after hangover consecutive inactive ones.
type Tracker struct {
	hangover int
	priority bool

	state    session.Speaking
	inactive int
}

func NewTracker(hangover int, priority bool) *Tracker {
	if hangover < 1 {
		hangover = 1
	}
	return &Tracker{hangover: hangover, priority: priority}
}

// Observe records one tick and returns the resulting state and whether
// it changed.
func (t *Tracker) Observe(active bool) (session.Speaking, bool) {
	if active {
		t.inactive = 0
		if t.state.Active() {
			return t.state, false
		}
		t.state = session.SpeakingNormal
		if t.priority {
			t.state = session.SpeakingPriority
		}
		return t.state, true
	}

	if !t.state.Active() {
		return t.state, false
	}
	t.inactive++
	if t.inactive < t.hangover {
		return t.state, false
	}
	t.state = session.Silent
	t.inactive = 0
	return t.state, true
}

// Reset forces the tracker to Silent.
func (t *Tracker) Reset() (session.Speaking, bool) {
	changed := t.state.Active()
	t.state = session.Silent
	t.inactive = 0
	return t.state, changed
}

func (t *Tracker) State() session.Speaking {
	return t.state
}
