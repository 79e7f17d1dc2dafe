package e2e

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glizzus/sound-stream/internal/voice/udp"
	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
)

// MediaPacket is one decrypted media packet received by the VoiceServer.
type MediaPacket struct {
	Header  rtp.Header
	Payload []byte
}

// VoiceServer is an in-process voice server: a websocket signaling
// endpoint and a UDP media endpoint that answers IP discovery and
// decrypts what it receives.
type VoiceServer struct {
	t    *testing.T
	http *httptest.Server
	udp  *net.UDPConn

	SSRC uint32
	Mode udp.Mode
	Key  [32]byte

	mu       sync.Mutex
	sealer   udp.Sealer
	packets  []MediaPacket
	bad      int
	speaking []int
	ops      []int
}

// NewVoiceServer starts a server that only offers mode.
func NewVoiceServer(t *testing.T, mode udp.Mode) *VoiceServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen on udp: %v", err)
	}

	s := &VoiceServer{t: t, udp: conn, SSRC: 4321, Mode: mode}
	for i := range s.Key {
		s.Key[i] = byte(255 - i)
	}
	sealer, err := udp.NewSealer(mode, s.Key)
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	s.sealer = sealer

	s.http = httptest.NewServer(http.HandlerFunc(s.serveSignaling))
	go s.serveMedia()
	t.Cleanup(func() {
		s.http.CloseClientConnections()
		s.http.Close()
		_ = s.udp.Close()
	})
	return s
}

// Endpoint is the signaling endpoint. Real endpoints have no scheme and
// imply TLS; this one names ws:// explicitly.
func (s *VoiceServer) Endpoint() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

func (s *VoiceServer) mediaAddr() netip.AddrPort {
	return s.udp.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Packets returns the media packets received so far.
func (s *VoiceServer) Packets() []MediaPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MediaPacket(nil), s.packets...)
}

// BadPackets counts packets that failed to decrypt.
func (s *VoiceServer) BadPackets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bad
}

// Speaking returns the speaking flags received, in order.
func (s *VoiceServer) Speaking() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.speaking...)
}

// Ops returns every opcode received on the signaling channel.
func (s *VoiceServer) Ops() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.ops...)
}

func (s *VoiceServer) serveMedia() {
	buf := make([]byte, 1500)
	for {
		n, from, err := s.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		packet := append([]byte(nil), buf[:n]...)

		if n == udp.DiscoveryPacketSize {
			if req, err := udp.ParseDiscovery(packet); err == nil && req.Type == udp.DiscoveryRequest {
				resp := udp.MarshalDiscovery(udp.Discovery{
					Type:    udp.DiscoveryResponse,
					SSRC:    req.SSRC,
					Address: from.Addr().String(),
					Port:    from.Port(),
				})
				_, _ = s.udp.WriteToUDPAddrPort(resp, from)
				continue
			}
		}

		s.mu.Lock()
		header, payload, err := s.sealer.Open(packet)
		if err != nil {
			s.bad++
			s.mu.Unlock()
			continue
		}
		var h rtp.Header
		if _, err := h.Unmarshal(header); err != nil {
			s.bad++
			s.mu.Unlock()
			continue
		}
		s.packets = append(s.packets, MediaPacket{Header: h, Payload: payload})
		s.mu.Unlock()
	}
}

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

func (s *VoiceServer) serveSignaling(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(op int, d any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteJSON(map[string]any{"op": op, "d": d})
	}

	write(8, map[string]any{"heartbeat_interval": 1000})
	for {
		var m envelope
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		s.mu.Lock()
		s.ops = append(s.ops, m.Op)
		s.mu.Unlock()

		switch m.Op {
		case 0:
			media := s.mediaAddr()
			write(2, map[string]any{
				"ssrc":  s.SSRC,
				"ip":    media.Addr().String(),
				"port":  media.Port(),
				"modes": []string{string(s.Mode)},
			})
		case 1:
			key := make([]int, len(s.Key))
			for i, b := range s.Key {
				key[i] = int(b)
			}
			write(4, map[string]any{"mode": string(s.Mode), "secret_key": key})
		case 3:
			write(6, m.D)
		case 5:
			var p struct {
				Speaking int `json:"speaking"`
			}
			_ = json.Unmarshal(m.D, &p)
			s.mu.Lock()
			s.speaking = append(s.speaking, p.Speaking)
			s.mu.Unlock()
		case 7:
			write(9, nil)
		}
	}
}
