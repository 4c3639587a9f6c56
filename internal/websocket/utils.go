package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadMessage reads one message and peeks at its action. The raw bytes are
// returned for the action-specific decode.
func ReadMessage(conn *websocket.Conn) (Action, []byte, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var env RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", raw, nil
	}
	return env.Action, raw, nil
}
