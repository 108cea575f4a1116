// Package ipc carries control commands from darko-ctl to the daemon over a
// unix socket. Each connection holds one JSON request line and one reply line.
package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const DefaultSocketPath = "/tmp/darko.sock"

const (
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdReset  = "reset"
	CmdSay    = "say"
	CmdStatus = "status"
)

type ControlMessage struct {
	Cmd  string `json:"cmd"`
	Text string `json:"text,omitempty"`
}

type Reply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Fail(err error) Reply { return Reply{Error: err.Error()} }

type Handler func(ctx context.Context, msg ControlMessage) Reply

type Server struct {
	path    string
	handler Handler
}

func NewServer(path string, handler Handler) *Server {
	if path == "" {
		path = DefaultSocketPath
	}
	return &Server{path: path, handler: handler}
}

func (s *Server) Path() string { return s.path }

// Run serves until ctx ends. A stale socket file is replaced.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(s.path)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Debug("IPC server listening", "path", s.path)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("IPC accept failed", "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		log.Warn("IPC read failed", "err", err)
		return
	}

	var msg ControlMessage
	var reply Reply
	if err := sonic.Unmarshal(line, &msg); err != nil {
		reply = Fail(fmt.Errorf("decode request: %w", err))
	} else {
		log.Debug("IPC command", "cmd", msg.Cmd)
		reply = s.handler(ctx, msg)
	}

	if err := writeLine(conn, reply); err != nil {
		log.Warn("IPC reply failed", "err", err)
	}
}

// SendCommand sends msg to the daemon listening on path and waits for its reply.
func SendCommand(ctx context.Context, path string, msg ControlMessage) (Reply, error) {
	if path == "" {
		path = DefaultSocketPath
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeLine(conn, msg); err != nil {
		return Reply{}, fmt.Errorf("send: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	var reply Reply
	if err := sonic.Unmarshal(line, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func writeLine(conn net.Conn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}
