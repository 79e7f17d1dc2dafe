// Package playout paces encoded audio frames onto the media channel.
//
// A Scheduler owns one playback at a time. Every 20ms it takes the next
// frame from its FrameSource, stamps it with the session's RTP counters
// and hands it to a Sender. When the source falls behind it sends the
// silence marker a few times and reports the sender as silent. The
// Tracker decides when speaking state changes.
package playout
