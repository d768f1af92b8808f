// ABOUTME: WebSocket implementation of the session Conn interface
// ABOUTME: One JSON frame per websocket text message; close reasons map to close codes

package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetd-io/fleetd/internal/protocol"
)

// writeWait bounds how long a single frame write may block on the socket.
const writeWait = 10 * time.Second

// WSConn adapts a gorilla websocket connection to the Conn interface.
// Gorilla permits one concurrent reader and one concurrent writer; the
// session's writer pump is the only writer and the read loop the only reader,
// except Close, which serializes against writes with its own mutex.
type WSConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// ReadFrame blocks for the next frame from the agent.
func (c *WSConn) ReadFrame() (*protocol.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decoding frame envelope: %w", err)
	}
	return &frame, nil
}

// WriteFrame sends one frame to the agent.
func (c *WSConn) WriteFrame(frame *protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing websocket message: %w", err)
	}
	return nil
}

// Close sends the typed reason in a close control message and tears down the
// connection. The agent reads the reason to pick its reconnect backoff.
func (c *WSConn) Close(reason protocol.CloseReason) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(reason))
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()

	return c.ws.Close()
}

// RemoteAddr returns the peer address for logging.
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
