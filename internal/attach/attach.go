// Package attach connects the local terminal to a new sidecar session.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/peterje/popper/internal/events"
	ptymgr "github.com/peterje/popper/internal/pty"
)

// ErrDisconnected is returned when the event stream ends before the session
// exits.
var ErrDisconnected = errors.New("session event stream ended")

// Remote is a session manager with an event stream, such as a shepherd
// client.
type Remote interface {
	ptymgr.SessionManager
	Subscribe(buffer int) (<-chan events.Event, func())
}

type options struct {
	log    *zap.Logger
	resize <-chan os.Signal
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithResizeSignal replaces SIGWINCH delivery, for tests.
func WithResizeSignal(ch <-chan os.Signal) Option {
	return func(o *options) { o.resize = ch }
}

// Run starts a session sized to out, streams in to it and its output to
// out, and returns the session's exit status. When in is a terminal it is
// put in raw mode for the duration. Cancelling ctx terminates the session.
func Run(ctx context.Context, remote Remote, in io.Reader, out io.Writer, opts ...Option) (int32, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.resize == nil {
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		o.resize = winch
	}

	// Subscribe first so no output is missed between Start and the loop.
	evs, unsub := remote.Subscribe(1024)
	defer unsub()

	cols, rows := size(out)
	id, err := remote.Start(cols, rows)
	if err != nil {
		return ptymgr.ExitUnknown, err
	}
	log := o.log.With(zap.String("session_id", id))

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			remote.Terminate(id)
			return ptymgr.ExitUnknown, fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(int(f.Fd()), state)
	}

	inputErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if werr := remote.Write(id, buf[:n]); werr != nil {
					inputErr <- werr
					return
				}
			}
			if err != nil {
				inputErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			remote.Terminate(id)
			return ptymgr.ExitUnknown, ctx.Err()

		case err := <-inputErr:
			// Input ending is not fatal; the session decides when it is done.
			if !errors.Is(err, io.EOF) {
				log.Debug("input stopped", zap.Error(err))
			}
			inputErr = nil

		case <-o.resize:
			c, r := size(out)
			if c == 0 || r == 0 {
				continue
			}
			if err := remote.Resize(id, c, r); err != nil {
				log.Debug("resize failed", zap.Error(err))
			}

		case ev, ok := <-evs:
			if !ok {
				return ptymgr.ExitUnknown, ErrDisconnected
			}
			switch p := ev.Payload.(type) {
			case ptymgr.DataEvent:
				if p.SessionID == id {
					io.WriteString(out, p.Data)
				}
			case ptymgr.ExitEvent:
				if p.SessionID == id {
					return p.Status, nil
				}
			}
		}
	}
}

// size returns the terminal geometry of w, or zeros for the default.
func size(w io.Writer) (uint16, uint16) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, 0
	}
	cols, rows, err := term.GetSize(int(f.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return 0, 0
	}
	return uint16(cols), uint16(rows)
}
