package session

// Flags is the speaking bitset sent with the Speaking opcode.
type Flags int

const (
	FlagMicrophone Flags = 1 << iota
	FlagSoundshare
	FlagPriority
)

// Speaking is the speaking state of the local sender.
type Speaking int

const (
	Silent Speaking = iota
	SpeakingNormal
	SpeakingPriority
)

func (s Speaking) Flags() Flags {
	switch s {
	case SpeakingNormal:
		return FlagMicrophone
	case SpeakingPriority:
		return FlagMicrophone | FlagPriority
	default:
		return 0
	}
}

func (s Speaking) Active() bool {
	return s != Silent
}

func (s Speaking) String() string {
	switch s {
	case SpeakingNormal:
		return "speaking"
	case SpeakingPriority:
		return "speaking_priority"
	default:
		return "silent"
	}
}
