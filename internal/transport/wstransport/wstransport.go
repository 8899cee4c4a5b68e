// Package wstransport adapts a gorilla/websocket connection to the
// transport.Conn byte-stream contract, so the broker can accept MQTT over
// WebSocket without internal/conn depending on gorilla/websocket.
package wstransport

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a *websocket.Conn, presenting it as a plain byte stream by
// framing reads/writes as binary WebSocket messages, matching the MQTT
// over WebSocket subprotocol convention (each Write is one binary frame,
// Reads are buffered across frame boundaries).
type Conn struct {
	ws *websocket.Conn

	readBuf []byte
}

// New wraps ws, negotiated by the caller's HTTP handler (e.g. via
// websocket.Upgrader with Subprotocols: []string{"mqtt"}).
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Read(b []byte) (int, error) {
	for len(c.readBuf) == 0 {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.readBuf = data
	}
	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *Conn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *Conn) Close() error { return c.ws.Close() }

func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
