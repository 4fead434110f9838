package shepherd

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	ptymgr "github.com/peterje/popper/internal/pty"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON control message
	frameData    byte = 0x02 // PTY output: sessionID + text bytes
)

// Command types for JSON control messages.
const (
	cmdPing      = "ping"
	cmdStart     = "start"
	cmdWrite     = "write"
	cmdResize    = "resize"
	cmdTerminate = "terminate"
	cmdList      = "list"
	cmdSubscribe = "subscribe"
)

// Event types sent from shepherd to client.
const (
	evtPong    = "pong"
	evtStarted = "started"
	evtOK      = "ok"
	evtError   = "error"
	evtList    = "list"
	evtExited  = "exited" // process exited, no request ID
)

// maxFrame bounds a single frame.
const maxFrame = 10 * 1024 * 1024

// Request is a JSON control message from client to shepherd.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	SessionID string `json:"session_id,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Response is a JSON control message from shepherd to client.
type Response struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`

	SessionID string `json:"session_id,omitempty"`
	Status    int32  `json:"status"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	Sessions []ptymgr.Info `json:"sessions,omitempty"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// For frameControl: payload is JSON-encoded Request or Response
// For frameData: payload is [session_id_len(1 byte)][session_id][data]

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	if len(payload)+1 > maxFrame {
		return fmt.Errorf("frame too large: %d", len(payload)+1)
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeControl(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameControl, data)
}

func writeDataFrame(w io.Writer, sessionID string, data []byte) error {
	if len(sessionID) > 255 {
		return fmt.Errorf("session id too long: %d", len(sessionID))
	}
	payload := make([]byte, 1+len(sessionID)+len(data))
	payload[0] = byte(len(sessionID))
	copy(payload[1:], sessionID)
	copy(payload[1+len(sessionID):], data)
	return writeFrame(w, frameData, payload)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrame {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func parseDataPayload(payload []byte) (sessionID string, data []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("data payload too short")
	}
	idLen := int(payload[0])
	if len(payload) < 1+idLen {
		return "", nil, fmt.Errorf("data payload too short for session ID")
	}
	return string(payload[1 : 1+idLen]), payload[1+idLen:], nil
}

// Error codes let the client restore the manager's sentinel errors.
var errorCodes = map[string]error{
	"pty_allocation_failed": ptymgr.ErrPtyAllocationFailed,
	"sidecar_not_found":     ptymgr.ErrSidecarNotFound,
	"spawn_failed":          ptymgr.ErrSpawnFailed,
	"pty_io_setup_failed":   ptymgr.ErrPtyIoSetupFailed,
	"session_not_found":     ptymgr.ErrSessionNotFound,
	"write_failed":          ptymgr.ErrWriteFailed,
	"resize_failed":         ptymgr.ErrResizeFailed,
	"internal":              ptymgr.ErrInternal,
}

func errorCode(err error) string {
	for code, sentinel := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, Event: evtError, Error: err.Error(), Code: errorCode(err)}
}

// RemoteError is an error reported by the shepherd.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return "shepherd: " + e.Message
}

// Unwrap returns the sentinel matching Code, if any.
func (e *RemoteError) Unwrap() error {
	return errorCodes[e.Code]
}

func (r Response) err() error {
	if r.Event != evtError {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Error}
}
