package voice

import "github.com/glizzus/sound-stream/internal/voice/session"

type NotificationType int

const (
	NotifyConnected NotificationType = iota
	NotifyResumed
	NotifyDisconnected
	NotifySpeakingChanged
	NotifyTrackEnded
	// NotifyError is informational; the connection stays up.
	NotifyError
)

var notificationNames = [...]string{
	NotifyConnected:       "connected",
	NotifyResumed:         "resumed",
	NotifyDisconnected:    "disconnected",
	NotifySpeakingChanged: "speaking_changed",
	NotifyTrackEnded:      "track_ended",
	NotifyError:           "error",
}

func (t NotificationType) String() string {
	if t < 0 || int(t) >= len(notificationNames) {
		return "unknown"
	}
	return notificationNames[t]
}

// DisconnectReason says why a connection ended.
type DisconnectReason int

const (
	ReasonRequested DisconnectReason = iota
	ReasonFatal
	ReasonTransientExhausted
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonFatal:
		return "fatal"
	case ReasonTransientExhausted:
		return "transient_exhausted"
	default:
		return "unknown"
	}
}

type Notification struct {
	Type NotificationType
	// SSRC of the session the notification refers to, when there is one.
	SSRC     uint32
	Reason   DisconnectReason
	Speaking session.Speaking
	Err      error
}
