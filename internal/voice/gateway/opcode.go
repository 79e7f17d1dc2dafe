package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Opcode int

const (
	OpIdentify           Opcode = 0  // client: begin a voice websocket connection
	OpSelectProtocol     Opcode = 1  // client: select the voice protocol
	OpReady              Opcode = 2  // server: complete the websocket handshake
	OpHeartbeat          Opcode = 3  // client: keep the websocket connection alive
	OpSessionDescription Opcode = 4  // server: describe the session
	OpSpeaking           Opcode = 5  // both: indicate which users are speaking
	OpHeartbeatAck       Opcode = 6  // server: sent in response to a heartbeat
	OpResume             Opcode = 7  // client: resume a connection
	OpHello              Opcode = 8  // server: heartbeat interval
	OpResumed            Opcode = 9  // server: acknowledge Resume
	OpClientDisconnect   Opcode = 13 // server: a client has left the voice channel
)

// Close codes the voice gateway uses to end a session.
const (
	CloseAuthenticationFailed = 4004
	CloseSessionNoLongerValid = 4006
	CloseSessionTimeout       = 4009
	CloseDisconnected         = 4014
	CloseVoiceServerCrashed   = 4015

	// closeResumable is sent when we drop a link we intend to resume.
	closeResumable = 4000
)

type envelope struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

type outbound struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

type identifyPayload struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type helloPayload struct {
	HeartbeatInterval Milliseconds `json:"heartbeat_interval"`
}

type readyPayload struct {
	SSRC              uint32       `json:"ssrc"`
	IP                string       `json:"ip"`
	Port              uint16       `json:"port"`
	Modes             []string     `json:"modes"`
	HeartbeatInterval Milliseconds `json:"heartbeat_interval"`
}

type selectProtocolPayload struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
}

type selectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionPayload struct {
	Mode      string `json:"mode"`
	SecretKey []int  `json:"secret_key"`
}

type speakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

type resumePayload struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type clientDisconnectPayload struct {
	UserID string `json:"user_id"`
}

// Milliseconds decodes a duration sent as a JSON number or numeric string
// of milliseconds.
type Milliseconds time.Duration

func (m *Milliseconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid millisecond value %s: %w", b, err)
	}
	*m = Milliseconds(time.Duration(f * float64(time.Millisecond)))
	return nil
}

func (m Milliseconds) Duration() time.Duration {
	return time.Duration(m)
}
