// Package voice ties the signaling gateway, the media channel and the
// playout scheduler into one Connection per guild.
//
// A Connection supervises its link: when the gateway reports the link as
// lost it pauses playback, lets the gateway resume or reconnect, and
// rebinds playback to the resulting session. Callers observe all of this
// through Notifications.
package voice
