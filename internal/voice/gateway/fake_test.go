package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glizzus/sound-stream/internal/voice/session"
	"github.com/gorilla/websocket"
)

type fakeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *fakeConn) write(op int, d any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(map[string]any{"op": op, "d": d})
}

type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// fakeGateway is a scripted voice gateway. Each accepted websocket is one
// connection; the ops received on each are recorded in order.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	ssrc     uint32
	modes    []string
	key      []int
	interval any
	// readyInterval is sent in Ready when set.
	readyInterval any

	ackHeartbeats bool
	rejectResume  bool
	// closeOnIdentify, when non-zero, closes the connection with that
	// code instead of sending Ready.
	closeOnIdentify int
	// dropConnections closes the first n connections before Hello.
	dropConnections int

	mu      sync.Mutex
	conns   [][]int
	selects []json.RawMessage
	speaks  []json.RawMessage
	live    []*fakeConn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	key := make([]int, 32)
	for i := range key {
		key[i] = i + 1
	}
	f := &fakeGateway{
		t:             t,
		ssrc:          1234,
		modes:         []string{"xsalsa20_poly1305", "aead_xchacha20_poly1305_rtpsize"},
		key:           key,
		interval:      5000,
		ackHeartbeats: true,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.mu.Lock()
		for _, c := range f.live {
			_ = c.conn.Close()
		}
		f.mu.Unlock()
		f.srv.Close()
	})
	return f
}

func (f *fakeGateway) endpoint() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeGateway) connections() [][]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]int, len(f.conns))
	for i, ops := range f.conns {
		out[i] = append([]int(nil), ops...)
	}
	return out
}

// killAll closes every open connection without a close frame.
func (f *fakeGateway) killAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.live {
		_ = c.conn.Close()
	}
	f.live = nil
}

func (f *fakeGateway) record(idx, op int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[idx] = append(f.conns[idx], op)
}

func (f *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("v") != "4" {
		http.Error(w, "bad version", http.StatusBadRequest)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	idx := len(f.conns)
	f.conns = append(f.conns, nil)
	fc := &fakeConn{conn: conn}
	f.live = append(f.live, fc)
	drop := idx < f.dropConnections
	f.mu.Unlock()
	if drop {
		return
	}

	write := fc.write
	closeWith := func(code int) {
		msg := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	write(8, map[string]any{"heartbeat_interval": f.interval})
	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		f.record(idx, m.Op)
		switch m.Op {
		case 0:
			if f.closeOnIdentify != 0 {
				closeWith(f.closeOnIdentify)
				return
			}
			ready := map[string]any{
				"ssrc":  f.ssrc,
				"ip":    "1.2.3.4",
				"port":  5000,
				"modes": f.modes,
			}
			if f.readyInterval != nil {
				ready["heartbeat_interval"] = f.readyInterval
			}
			write(2, ready)
		case 1:
			f.mu.Lock()
			f.selects = append(f.selects, m.D)
			f.mu.Unlock()
			var p struct {
				Data struct {
					Mode string `json:"mode"`
				} `json:"data"`
			}
			_ = json.Unmarshal(m.D, &p)
			write(4, map[string]any{"mode": p.Data.Mode, "secret_key": f.key})
		case 3:
			if f.ackHeartbeats {
				write(6, m.D)
			}
		case 5:
			f.mu.Lock()
			f.speaks = append(f.speaks, m.D)
			f.mu.Unlock()
		case 7:
			if f.rejectResume {
				closeWith(4006)
				return
			}
			write(9, nil)
		}
	}
}

// closeAll closes every live connection with code.
func (f *fakeGateway) closeAll(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.live {
		msg := websocket.FormatCloseMessage(code, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}

// send pushes a message to every live connection.
func (f *fakeGateway) send(op int, d any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.live {
		c.write(op, d)
	}
}

type fakeNegotiator struct {
	mu       sync.Mutex
	calls    []netip.AddrPort
	ssrcs    []uint32
	external netip.AddrPort
	err      error
}

func (n *fakeNegotiator) Negotiate(_ context.Context, ssrc uint32, server netip.AddrPort) (netip.AddrPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, server)
	n.ssrcs = append(n.ssrcs, ssrc)
	if n.err != nil {
		return netip.AddrPort{}, n.err
	}
	return n.external, nil
}

// stateLog records state transitions.
type stateLog struct {
	mu     sync.Mutex
	states []string
}

func (s *stateLog) hook(_, to session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, to.String())
}

func (s *stateLog) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.states...)
}
