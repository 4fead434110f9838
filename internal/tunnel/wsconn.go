package tunnel

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla/websocket.Conn to io.ReadWriteCloser
// so it can be used as the underlying transport for yamux.
type WSConn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	reader io.Reader // current message, nil between messages

	writeMu sync.Mutex
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read streams binary messages back to back. A normal close reads as io.EOF.
func (w *WSConn) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for {
		if w.reader == nil {
			msgType, r, err := w.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			w.reader = r
		}

		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *WSConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WSConn) Close() error {
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*WSConn)(nil)
