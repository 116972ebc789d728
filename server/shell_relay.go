package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

const channelWriteTimeout = 10 * time.Second

var shellUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Both peers authenticate with their own credentials, not cookies,
	// so cross-origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientChannel wraps a client's persistent shell websocket. Gorilla
// allows one concurrent writer per connection, so all session relays
// funnel writes through the channel mutex.
type clientChannel struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *clientChannel) send(frame protocol.ShellFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Errf(protocol.CodeClientOffline, "shell channel closed")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *clientChannel) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}

// handleShellChannel upgrades the client's single multiplexed shell
// socket and pumps its frames into the manager until the socket dies.
// Requires client authentication (middleware sets client_id).
func (s *Server) handleShellChannel(c *gin.Context) {
	clientID := c.GetString(ctxClientID)

	conn, err := shellUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Str("client_id", clientID).Msg("Shell channel upgrade failed")
		return
	}
	channel := &clientChannel{conn: conn}
	s.shells.RegisterChannel(clientID, channel)
	defer s.shells.UnregisterChannel(clientID, channel)
	defer channel.shutdown()

	for {
		var frame protocol.ShellFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.shells.HandleClientFrame(clientID, frame)
	}
}

// handleShellOpen creates a session against an online client.
func (s *Server) handleShellOpen(c *gin.Context) {
	clientID := c.Param("client_id")
	var req struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	// Geometry is optional; defaults apply on a bare POST body.
	_ = c.ShouldBindJSON(&req)

	session, err := s.shells.Open(clientID, c.GetString(ctxAdminID), req.Rows, req.Cols)
	if err != nil {
		writeCodedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session.snapshot())
}

// handleShellList returns all live sessions.
func (s *Server) handleShellList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.shells.List()})
}

// handleShellClose force-closes one session.
func (s *Server) handleShellClose(c *gin.Context) {
	if !s.shells.Close(c.Param("session_id"), protocol.CloseReasonAdmin) {
		writeCodedError(c, protocol.Errf(protocol.CodeUnknownEnvelope, "no such session"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

// handleShellAttach upgrades the admin's terminal socket and relays
// frames both ways until either side closes. Each session admits one
// attachment at a time.
func (s *Server) handleShellAttach(c *gin.Context) {
	session, err := s.shells.Attach(c.Param("session_id"))
	if err != nil {
		writeCodedError(c, err)
		return
	}

	conn, err := shellUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		session.mu.Lock()
		session.attached = false
		session.mu.Unlock()
		logger.Warn().Err(err).Str("session_id", session.id).Msg("Shell attach upgrade failed")
		return
	}
	defer conn.Close()

	// Writer: session output toward the admin terminal.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case frame := <-session.toAdmin:
				_ = conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					s.shells.Close(session.id, protocol.CloseReasonTransport)
					return
				}
			case <-session.done:
				_ = conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
				_ = conn.WriteJSON(protocol.ShellFrame{
					Type:      protocol.FrameClose,
					SessionID: session.id,
				})
				return
			}
		}
	}()

	// Reader: admin keystrokes toward the client PTY.
	for {
		var frame protocol.ShellFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.shells.Close(session.id, protocol.CloseReasonAdmin)
			break
		}
		switch frame.Type {
		case protocol.FrameInput, protocol.FrameResize:
			if err := s.shells.SendInput(session, frame); err != nil {
				s.shells.Close(session.id, protocol.CloseReasonTransport)
			}
		case protocol.FrameClose:
			s.shells.Close(session.id, protocol.CloseReasonAdmin)
		}

		select {
		case <-session.done:
		default:
			continue
		}
		break
	}
	<-writeDone
}
