package session

import (
	"crypto/rand"
	"encoding/binary"
)

// Counters are the RTP sequence number and timestamp of one session.
// Both wrap on overflow.
type Counters struct {
	Sequence  uint16
	Timestamp uint32
}

// NewCounters returns counters seeded with fresh random values, so a new
// session never continues the numbering of a previous one.
func NewCounters() Counters {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return Counters{
		Sequence:  binary.BigEndian.Uint16(b[:2]),
		Timestamp: binary.BigEndian.Uint32(b[2:]),
	}
}

// Next returns the current sequence and timestamp and advances them by
// one frame of samples.
func (c *Counters) Next(samples uint32) (uint16, uint32) {
	seq, ts := c.Sequence, c.Timestamp
	c.Sequence++
	c.Timestamp += samples
	return seq, ts
}
