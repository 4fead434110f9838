package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Default geometry used when Start is called without a size.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// Size is a character-cell geometry. Pixel dimensions are always zero.
type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// sizeOrDefault fills zero fields with the 80x24 default.
func sizeOrDefault(cols, rows uint16) Size {
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return Size{Cols: cols, Rows: rows}
}

func (s Size) winsize() *pty.Winsize {
	return &pty.Winsize{Cols: s.Cols, Rows: s.Rows}
}

// Info is the public view of a live session.
type Info struct {
	ID        string    `json:"session_id"`
	Program   string    `json:"program"`
	PID       int       `json:"pid"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	StartedAt time.Time `json:"started_at"`
}

// Session is one pseudo-terminal plus the child process attached to it.
type Session struct {
	ID        string
	Program   string
	StartedAt time.Time

	master *os.File // resize target and write side
	reader *os.File // close-on-exec duplicate of master, owned by the reader goroutine
	writer *lockedWriter
	child  *child

	sizeMu sync.Mutex
	size   Size
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.sizeMu.Lock()
	size := s.size
	s.sizeMu.Unlock()
	return Info{
		ID:        s.ID,
		Program:   s.Program,
		PID:       s.child.pid(),
		Cols:      size.Cols,
		Rows:      size.Rows,
		StartedAt: s.StartedAt,
	}
}

func (s *Session) resize(size Size) error {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	if err := pty.Setsize(s.master, size.winsize()); err != nil {
		return err
	}
	s.size = size
	return nil
}

// close releases both fds. Only the reader goroutine calls it, after its
// last read.
func (s *Session) close() {
	s.reader.Close()
	s.writer.mu.Lock()
	s.master.Close()
	s.writer.mu.Unlock()
}

// cloneReader duplicates the master fd so reads and writes use separate
// descriptors. The duplicate is close-on-exec so later children never
// inherit it.
func cloneReader(master *os.File) (*os.File, error) {
	fd, err := unix.FcntlInt(master.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), master.Name()), nil
}

// lockedWriter serializes writes so concurrent callers never interleave bytes.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) writeAll(p []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	for len(p) > 0 {
		n, err := lw.w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	if f, ok := lw.w.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	return nil
}

// child guards the process handle shared by Terminate and the reader.
type child struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// watchChild reaps cmd in the background; done closes once Wait returns.
func watchChild(cmd *exec.Cmd) *child {
	c := &child{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()
	return c
}

func (c *child) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// tryWait reports 0 if the child has been reaped and ExitUnknown otherwise.
// It never blocks.
func (c *child) tryWait() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return 0
	default:
		return ExitUnknown
	}
}

// kill signals the child's process group, then the child itself. An
// already-exited child yields os.ErrProcessDone.
func (c *child) kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return os.ErrProcessDone
	default:
	}
	if pid := c.pid(); pid > 0 {
		// Setsid made the child a group leader; take its descendants too.
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return c.cmd.Process.Kill()
}
