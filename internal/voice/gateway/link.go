package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 5 * time.Second
	outboxSize  = 16
	inboundSize = 16
)

// link is one websocket connection to the voice gateway. The read pump
// feeds inbound; the write pump is the only writer of data frames.
type link struct {
	conn   *websocket.Conn
	logger *slog.Logger

	inbound chan envelope
	outbox  chan outbound
	done    chan struct{}

	// err is set by the read pump before inbound is closed.
	err   error
	local atomic.Bool
	once  sync.Once
	wg    sync.WaitGroup
}

func newLink(conn *websocket.Conn, logger *slog.Logger) *link {
	l := &link{
		conn:    conn,
		logger:  logger,
		inbound: make(chan envelope, inboundSize),
		outbox:  make(chan outbound, outboxSize),
		done:    make(chan struct{}),
	}
	l.wg.Add(2)
	go l.readPump()
	go l.writePump()
	return l
}

func (l *link) readPump() {
	defer l.wg.Done()
	defer close(l.inbound)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.err = err
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.logger.Warn("Dropping malformed gateway message", slog.Any("error", err))
			continue
		}
		select {
		case l.inbound <- env:
		case <-l.done:
			l.err = ErrLinkClosed
			return
		}
	}
}

func (l *link) writePump() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.outbox:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteJSON(msg); err != nil {
				l.logger.Warn("Failed to write gateway message",
					slog.Int("op", int(msg.Op)),
					slog.Any("error", err),
				)
				l.close(websocket.CloseAbnormalClosure, false)
				return
			}
		}
	}
}

// send queues a message, blocking until there is room or ctx ends.
func (l *link) send(ctx context.Context, op Opcode, d any) error {
	select {
	case l.outbox <- outbound{Op: op, D: d}:
		return nil
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a message without blocking.
func (l *link) trySend(op Opcode, d any) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.outbox <- outbound{Op: op, D: d}:
		return true
	default:
		return false
	}
}

// close ends the link. local marks a close we initiated, so the run loop
// does not report it as a lost link.
func (l *link) close(code int, local bool) {
	l.once.Do(func() {
		l.local.Store(local)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, "")
			_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		close(l.done)
		_ = l.conn.Close()
	})
}

// shutdown closes the link and blocks until both pumps exit.
func (l *link) shutdown(code int) {
	l.close(code, true)
	l.wg.Wait()
}
