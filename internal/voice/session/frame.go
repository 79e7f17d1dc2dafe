package session

import "time"

// Frame is one encoded audio payload stamped for sending. It is built
// per scheduler tick and dropped after the send.
type Frame struct {
	Payload   []byte
	Duration  time.Duration
	Sequence  uint16
	Timestamp uint32
}

// SilenceFrame is the Opus payload the voice service expects after the
// last audio frame of a burst.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}
