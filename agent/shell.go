package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	pty "github.com/aymanbagabas/go-pty"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

// shellRunner maintains the agent's persistent shell channel to the
// coordinator and owns every local PTY. Sessions are demultiplexed by
// session ID; a dropped channel kills all of them, because their
// server-side relays are gone.
type shellRunner struct {
	wsURL    string
	clientID string
	secret   string
	command  string

	mu       sync.Mutex
	conn     *websocket.Conn
	sessions map[string]*ptySession
}

type ptySession struct {
	id  string
	pty pty.Pty
	cmd *pty.Cmd
}

func newShellRunner(serverURL, clientID, secret, command string) *shellRunner {
	ws := strings.Replace(serverURL, "http", "ws", 1)
	return &shellRunner{
		wsURL:    strings.TrimRight(ws, "/") + "/v1/shell/channel",
		clientID: clientID,
		secret:   secret,
		command:  command,
		sessions: make(map[string]*ptySession),
	}
}

// run dials the channel and serves it until ctx ends, redialing with
// backoff after any disconnect.
func (r *shellRunner) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.serve(ctx); err != nil {
			log.Warn().Err(err).Dur("redial_in", backoff).Msg("Shell channel lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (r *shellRunner) serve(ctx context.Context) error {
	header := http.Header{}
	header.Set(protocol.HeaderClientID, r.clientID)
	header.Set(protocol.HeaderClientKey, r.secret)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.wsURL, header)
	if err != nil {
		return err
	}
	log.Info().Msg("Shell channel connected")

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	defer func() {
		conn.Close()
		r.mu.Lock()
		r.conn = nil
		sessions := r.sessions
		r.sessions = make(map[string]*ptySession)
		r.mu.Unlock()
		for _, s := range sessions {
			_ = s.pty.Close()
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var frame protocol.ShellFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		r.handleFrame(frame)
	}
}

func (r *shellRunner) handleFrame(frame protocol.ShellFrame) {
	switch frame.Type {
	case protocol.FrameOpen:
		r.openSession(frame)
	case protocol.FrameInput:
		r.feedInput(frame)
	case protocol.FrameResize:
		r.resize(frame)
	case protocol.FrameClose:
		r.closeSession(frame.SessionID)
	}
}

func (r *shellRunner) openSession(frame protocol.ShellFrame) {
	p, err := pty.New()
	if err != nil {
		r.sendError(frame.SessionID, "pty allocation failed")
		return
	}
	cmd := p.Command(r.command)
	if err := cmd.Start(); err != nil {
		_ = p.Close()
		r.sendError(frame.SessionID, "shell failed to start")
		return
	}
	if frame.Rows > 0 && frame.Cols > 0 {
		if err := p.Resize(frame.Cols, frame.Rows); err != nil {
			log.Debug().Err(err).Msg("PTY resize failed")
		}
	}

	session := &ptySession{id: frame.SessionID, pty: p, cmd: cmd}
	r.mu.Lock()
	r.sessions[frame.SessionID] = session
	r.mu.Unlock()

	r.send(protocol.ShellFrame{Type: protocol.FrameOpened, SessionID: frame.SessionID})
	log.Info().Str("session_id", frame.SessionID).Msg("PTY session started")

	// Pump PTY output back to the coordinator until the process dies.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := p.Read(buf)
			if n > 0 {
				r.send(protocol.ShellFrame{
					Type:      protocol.FrameOutput,
					SessionID: frame.SessionID,
					Data:      base64.StdEncoding.EncodeToString(buf[:n]),
				})
			}
			if rerr != nil {
				if rerr != io.EOF {
					log.Debug().Err(rerr).Msg("PTY read ended")
				}
				break
			}
		}
		_ = cmd.Wait()
		r.send(protocol.ShellFrame{
			Type:      protocol.FrameClose,
			SessionID: frame.SessionID,
			Reason:    protocol.CloseReasonExited,
		})
		r.closeSession(frame.SessionID)
	}()
}

func (r *shellRunner) feedInput(frame protocol.ShellFrame) {
	r.mu.Lock()
	session := r.sessions[frame.SessionID]
	r.mu.Unlock()
	if session == nil {
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return
	}
	_, _ = session.pty.Write(decoded)
}

func (r *shellRunner) resize(frame protocol.ShellFrame) {
	r.mu.Lock()
	session := r.sessions[frame.SessionID]
	r.mu.Unlock()
	if session != nil && frame.Rows > 0 && frame.Cols > 0 {
		_ = session.pty.Resize(frame.Cols, frame.Rows)
	}
}

func (r *shellRunner) closeSession(sessionID string) {
	r.mu.Lock()
	session := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if session != nil {
		_ = session.pty.Close()
		log.Info().Str("session_id", sessionID).Msg("PTY session closed")
	}
}

func (r *shellRunner) send(frame protocol.ShellFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = r.conn.WriteJSON(frame)
}

func (r *shellRunner) sendError(sessionID, message string) {
	r.send(protocol.ShellFrame{
		Type:      protocol.FrameError,
		SessionID: sessionID,
		Reason:    message,
	})
}
