package protocol

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

type WebSocket struct {
	url    string
	reconn time.Duration

	mu     sync.Mutex // guards conn and serialises writes
	conn   *ws.Conn
	closed bool
}

func DialWebSocket(ctx context.Context, url string, reconn time.Duration) (*WebSocket, error) {
	log.Debug("Init websocket protocol", "url", url)

	conn, _, err := ws.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocket{url: url, reconn: reconn, conn: conn}, nil
}

func (web *WebSocket) Write(payload []byte) error {
	web.mu.Lock()
	defer web.mu.Unlock()

	if web.closed {
		return ErrClosed
	}
	log.Debug("Write ws", "msg", string(payload))
	return web.conn.WriteMessage(ws.TextMessage, payload)
}

type IncomeKind uint

const (
	ConnClosed IncomeKind = iota
	ReadFailure
	ReadOK
)

type Income struct {
	kind IncomeKind
	msg  []byte
	err  error
}

func (web *WebSocket) Read() Income {
	web.mu.Lock()
	conn := web.conn
	web.mu.Unlock()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		if IsClosed(err) {
			return Income{kind: ConnClosed, err: err}
		}
		return Income{kind: ReadFailure, err: err}
	}

	log.Debug("Read ws", "msg", string(msg))
	return Income{kind: ReadOK, msg: msg}
}

// Reconnect dials until it succeeds, ctx ends or the socket is closed.
func (web *WebSocket) Reconnect(ctx context.Context) error {
	for {
		web.mu.Lock()
		closed := web.closed
		web.mu.Unlock()
		if closed {
			return ErrClosed
		}

		conn, _, err := ws.DefaultDialer.DialContext(ctx, web.url, nil)
		if err == nil {
			web.mu.Lock()
			old := web.conn
			web.conn = conn
			web.mu.Unlock()
			old.Close()
			return nil
		}
		log.Debug("Reconnect failed", "url", web.url, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(web.reconn):
		}
	}
}

func (web *WebSocket) Close() error {
	web.mu.Lock()
	defer web.mu.Unlock()

	if web.closed {
		return nil
	}
	web.closed = true
	_ = web.conn.WriteControl(ws.CloseMessage,
		ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	if err := web.conn.Close(); err != nil && !errors.Is(err, ws.ErrCloseSent) {
		return err
	}
	return nil
}

func IsClosed(err error) bool {
	return ws.IsCloseError(err,
		ws.CloseNormalClosure,
		ws.CloseGoingAway,
		ws.CloseAbnormalClosure)
}
