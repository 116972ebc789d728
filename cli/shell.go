package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

func shellCmd() *cobra.Command {
	var attachID string
	cmd := &cobra.Command{
		Use:   "shell [client-id]",
		Short: "Open an interactive shell on a client",
		Long:  "Opens a shell session on the named client and attaches the local terminal to it.\nUse --attach to reattach to an existing session instead.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := attachID
			if sessionID == "" {
				if len(args) != 1 {
					return fmt.Errorf("client-id is required unless --attach is given")
				}
				session, err := openSession(args[0])
				if err != nil {
					return err
				}
				sessionID = session.SessionID
				fmt.Printf("Session %s opening on %s\n", sessionID, args[0])
			}
			return attachSession(sessionID)
		},
	}
	cmd.Flags().StringVar(&attachID, "attach", "", "Attach to an existing session ID")
	return cmd
}

func openSession(clientID string) (*protocol.ShellSession, error) {
	cols, rows := 80, 24
	if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		cols, rows = c, r
	}
	var session protocol.ShellSession
	body := map[string]int{"rows": rows, "cols": cols}
	if err := api().post("/v1/clients/"+clientID+"/sessions", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func attachSession(sessionID string) error {
	wsURL := strings.Replace(strings.TrimRight(serverURL, "/"), "http", "ws", 1) +
		"/v1/sessions/" + sessionID + "/attach"

	header := http.Header{}
	header.Set(protocol.HeaderAdminKey, adminKey)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}
	defer conn.Close()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	fmt.Print("Connected. Press Ctrl-] to detach.\r\n")

	done := make(chan struct{})

	// Remote output to the local terminal.
	go func() {
		defer close(done)
		for {
			var frame protocol.ShellFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Type {
			case protocol.FrameOutput:
				if data, err := base64.StdEncoding.DecodeString(frame.Data); err == nil {
					os.Stdout.Write(data)
				}
			case protocol.FrameClose:
				reason := frame.Reason
				if reason == "" {
					reason = "session closed"
				}
				fmt.Printf("\r\n[%s]\r\n", reason)
				return
			case protocol.FrameError:
				fmt.Printf("\r\n[error: %s]\r\n", frame.Reason)
				return
			}
		}
	}()

	// Terminal resizes, out of band.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if c, r, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				_ = sendFrame(conn, protocol.ShellFrame{
					Type: protocol.FrameResize,
					Rows: r,
					Cols: c,
				})
			}
		}
	}()

	// Local keystrokes to the remote PTY. Ctrl-] detaches.
	buf := make([]byte, 1024)
	for {
		select {
		case <-done:
			return nil
		default:
		}

		n, err := os.Stdin.Read(buf)
		if err != nil {
			break
		}
		if n == 1 && buf[0] == 0x1d {
			_ = sendFrame(conn, protocol.ShellFrame{Type: protocol.FrameClose})
			break
		}
		err = sendFrame(conn, protocol.ShellFrame{
			Type: protocol.FrameInput,
			Data: base64.StdEncoding.EncodeToString(buf[:n]),
		})
		if err != nil {
			break
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// writeMu serializes writes from the input loop and the resize
// handler; the websocket allows one writer at a time.
var writeMu sync.Mutex

func sendFrame(conn *websocket.Conn, frame protocol.ShellFrame) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}
