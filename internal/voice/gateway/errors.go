package gateway

import (
	"errors"
	"fmt"

	"github.com/glizzus/sound-stream/internal/voice/udp"
	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidCredentials means the server refused the identify token.
	ErrInvalidCredentials = errors.New("voice gateway rejected credentials")
	// ErrKicked means the user was removed from the voice channel.
	ErrKicked = errors.New("disconnected from voice channel")
	// ErrSessionInvalid means the server no longer knows the session.
	ErrSessionInvalid = errors.New("voice session no longer valid")
	// ErrResumeRejected is returned by Resume when the session could not
	// be resumed, either explicitly or by timeout.
	ErrResumeRejected   = errors.New("voice session resume rejected")
	ErrRetriesExhausted = errors.New("voice gateway retries exhausted")
	ErrLinkClosed       = errors.New("voice gateway link closed")
	ErrHeartbeatTimeout = errors.New("voice gateway heartbeat not acknowledged")
	ErrInvalidKey       = errors.New("invalid session secret key")
)

// ProtocolError is returned when the server sends a payload that cannot
// be decoded during the handshake.
type ProtocolError struct {
	Op  Opcode
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed payload for opcode %d: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

var _ error = (*ProtocolError)(nil)

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrKicked) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, udp.ErrNoCommonMode)
}

// classifyClose maps a websocket read error to a gateway error.
func classifyClose(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseAuthenticationFailed:
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, ce.Text)
		case CloseDisconnected:
			return fmt.Errorf("%w: %s", ErrKicked, ce.Text)
		case CloseSessionNoLongerValid, CloseSessionTimeout:
			return fmt.Errorf("%w: %s", ErrSessionInvalid, ce.Text)
		}
	}
	return fmt.Errorf("%w: %w", ErrLinkClosed, err)
}
