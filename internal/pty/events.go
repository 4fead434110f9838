package pty

import (
	"strings"
	"unicode/utf8"
)

// Event names pushed to the Sink.
const (
	EventData = "pty-data"
	EventExit = "pty-exit"
)

// ExitUnknown is reported when the child's status was not available at
// cleanup time.
const ExitUnknown int32 = -1

// DataEvent carries one chunk of PTY output.
type DataEvent struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// ExitEvent is the last event of a session.
type ExitEvent struct {
	SessionID string `json:"session_id"`
	Status    int32  `json:"status"`
}

// decoder turns PTY chunks into text. Invalid bytes become U+FFFD; an
// incomplete sequence at the end of a chunk is kept for the next one.
type decoder struct {
	pending []byte
}

func (d *decoder) decode(chunk []byte) string {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	}

	// Hold back a trailing partial rune (at most utf8.UTFMax-1 bytes).
	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-(utf8.UTFMax-1); i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(buf) {
		d.pending = append([]byte(nil), buf[cut:]...)
		buf = buf[:cut]
	}
	return lossy(buf)
}

// flush returns whatever is still pending, decoded lossily.
func (d *decoder) flush() string {
	s := lossy(d.pending)
	d.pending = nil
	return s
}

func lossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + 8)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}
