// Package ws exposes the session manager to a front end over one WebSocket:
// the client invokes commands and every session event is pushed back.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/popper/internal/events"
	ptymgr "github.com/peterje/popper/internal/pty"
)

// Invoke commands.
const (
	CmdStartSession     = "start_session"
	CmdWriteToSession   = "write_to_session"
	CmdResizeSession    = "resize_session"
	CmdTerminateSession = "terminate_session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Source supplies the events pushed to connected clients.
type Source interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Invoke is one command sent by the client.
type Invoke struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

type invokeArgs struct {
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	SessionID string `json:"session_id"`
	// sessionId is what browser front ends usually send.
	SessionIDCamel string `json:"sessionId"`
	Data           string `json:"data"`
}

func (a invokeArgs) sessionID() string {
	if a.SessionID != "" {
		return a.SessionID
	}
	return a.SessionIDCamel
}

// Reply answers one Invoke.
type Reply struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

type Handler struct {
	manager ptymgr.SessionManager
	source  Source
	buffer  int
	log     *zap.Logger
}

func NewHandler(manager ptymgr.SessionManager, source Source, buffer int, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Handler{manager: manager, source: source, buffer: buffer, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c := &conn{ws: wsConn}
	defer wsConn.Close()

	h.log.Debug("ws client connected", zap.String("remote", r.RemoteAddr))

	evs, unsub := h.source.Subscribe(h.buffer)
	defer unsub()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range evs {
			if err := c.writeJSON(ev); err != nil {
				h.log.Debug("ws event write failed", zap.Error(err))
				return
			}
		}
		// Dropped as a slow subscriber, or the hub closed.
		wsConn.Close()
	}()

	for {
		var msg Invoke
		if err := wsConn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.writeJSON(Reply{Error: "invalid message: " + err.Error()})
				continue
			}
			break
		}
		if err := c.writeJSON(h.invoke(msg)); err != nil {
			break
		}
	}

	unsub()
	wg.Wait()
	h.log.Debug("ws client disconnected", zap.String("remote", r.RemoteAddr))
}

func (h *Handler) invoke(msg Invoke) (reply Reply) {
	reply.ID = msg.ID
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("ws command panicked", zap.String("cmd", msg.Cmd), zap.Any("panic", p))
			reply = Reply{ID: msg.ID, Error: fmt.Errorf("%w: %v", ptymgr.ErrInternal, p).Error()}
		}
	}()

	var args invokeArgs
	if len(msg.Args) > 0 {
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			reply.Error = "invalid args: " + err.Error()
			return reply
		}
	}

	var err error
	switch msg.Cmd {
	case CmdStartSession:
		var id string
		id, err = h.manager.Start(args.Cols, args.Rows)
		if err == nil {
			reply.Result = id
		}
	case CmdWriteToSession:
		err = h.manager.Write(args.sessionID(), []byte(args.Data))
	case CmdResizeSession:
		err = h.manager.Resize(args.sessionID(), args.Cols, args.Rows)
	case CmdTerminateSession:
		h.manager.Terminate(args.sessionID())
	default:
		err = fmt.Errorf("unknown command: %q", msg.Cmd)
	}

	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}
