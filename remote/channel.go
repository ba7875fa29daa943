package remote

import (
	"github.com/gorilla/websocket"
)

// wsChannel adapts a gorilla websocket connection to the jrpc2 channel
// interface. Each JSON-RPC frame maps to one websocket text message.
type wsChannel struct {
	conn *websocket.Conn
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(msg []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsChannel) Recv() ([]byte, error) {
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}
