// Package worker moves voice work in and out of the process.
//
// Play, stop and leave requests arrive as jobs on a Redis stream read by a
// consumer group. Jobs run at their scheduled time against a voice
// manager. Connection notifications go back out on a second stream.
package worker
