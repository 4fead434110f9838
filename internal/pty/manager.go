package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/popper/internal/metrics"
)

const defaultReadBufferSize = 4096

// Manager owns the session registry and implements SessionManager on top of
// real pseudo-terminals.
type Manager struct {
	registry *Registry
	resolver Resolver
	sink     Sink

	program  string
	term     string
	env      []string
	bufSize  int
	log      *zap.Logger
	metrics  *metrics.Metrics
	newID    func() string
	spawnDir string
}

// Option configures a Manager.
type Option func(*Manager)

// WithProgram sets the logical sidecar name passed to the Resolver.
func WithProgram(name string) Option {
	return func(m *Manager) { m.program = name }
}

// WithTerm sets TERM for spawned children.
func WithTerm(term string) Option {
	return func(m *Manager) { m.term = term }
}

// WithEnv appends extra KEY=VALUE pairs to the child environment.
func WithEnv(env ...string) Option {
	return func(m *Manager) { m.env = append(m.env, env...) }
}

// WithWorkDir sets the working directory of spawned children.
func WithWorkDir(dir string) Option {
	return func(m *Manager) { m.spawnDir = dir }
}

// WithReadBufferSize sets the reader chunk size.
func WithReadBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufSize = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager that runs the program found by resolver and
// reports to sink.
func NewManager(sink Sink, resolver Resolver, opts ...Option) *Manager {
	m := &Manager{
		registry: NewRegistry(),
		resolver: resolver,
		sink:     sink,
		program:  "popper",
		term:     "xterm-256color",
		bufSize:  defaultReadBufferSize,
		log:      zap.NewNop(),
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start allocates a PTY, spawns the sidecar on it and begins pumping output.
func (m *Manager) Start(cols, rows uint16) (string, error) {
	size := sizeOrDefault(cols, rows)

	ptmx, tty, err := pty.Open()
	if err != nil {
		m.metrics.StartFailed("pty_allocation")
		return "", fmt.Errorf("%w: %w", ErrPtyAllocationFailed, err)
	}
	if err := pty.Setsize(ptmx, size.winsize()); err != nil {
		ptmx.Close()
		tty.Close()
		m.metrics.StartFailed("pty_allocation")
		return "", fmt.Errorf("%w: %w", ErrPtyAllocationFailed, err)
	}

	path, err := m.resolver.Resolve(m.program)
	if err != nil {
		ptmx.Close()
		tty.Close()
		m.metrics.StartFailed("sidecar_not_found")
		return "", fmt.Errorf("%w: %w", ErrSidecarNotFound, err)
	}

	cmd := exec.Command(path)
	cmd.Dir = m.spawnDir
	cmd.Env = append(os.Environ(), "TERM="+m.term)
	cmd.Env = append(cmd.Env, m.env...)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		m.metrics.StartFailed("spawn")
		return "", fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	// The child holds its own copy of the slave.
	tty.Close()
	ch := watchChild(cmd)

	reader, err := cloneReader(ptmx)
	if err != nil {
		ch.kill()
		ptmx.Close()
		m.metrics.StartFailed("io_setup")
		return "", fmt.Errorf("%w: %w", ErrPtyIoSetupFailed, err)
	}

	sess := &Session{
		ID:        m.newID(),
		Program:   path,
		StartedAt: time.Now(),
		master:    ptmx,
		reader:    reader,
		writer:    &lockedWriter{w: ptmx},
		child:     ch,
		size:      size,
	}
	for !m.registry.Insert(sess) {
		sess.ID = m.newID()
	}
	m.metrics.SessionStarted()

	log := m.log.With(zap.String("session_id", sess.ID))
	log.Info("session started",
		zap.String("program", path),
		zap.Int("pid", ch.pid()),
		zap.Uint16("cols", size.Cols),
		zap.Uint16("rows", size.Rows))

	go m.pump(sess, log)

	return sess.ID, nil
}

// pump reads PTY output until end of stream, then reports the exit and
// removes the session.
func (m *Manager) pump(s *Session, log *zap.Logger) {
	defer m.finish(s, log)

	var dec decoder
	buf := make([]byte, m.bufSize)
	for {
		n, err := s.reader.Read(buf)
		if n > 0 {
			m.metrics.Output(n)
			if text := dec.decode(buf[:n]); text != "" {
				if emitErr := m.emit(EventData, DataEvent{SessionID: s.ID, Data: text}); emitErr != nil {
					log.Warn("failed to emit pty-data", zap.Error(emitErr))
					return
				}
			}
		}
		if err != nil {
			if !isEndOfStream(err) {
				log.Warn("pty read error", zap.Error(err))
			}
			break
		}
		if n == 0 {
			break
		}
	}

	if rest := dec.flush(); rest != "" {
		if err := m.emit(EventData, DataEvent{SessionID: s.ID, Data: rest}); err != nil {
			log.Warn("failed to emit pty-data", zap.Error(err))
		}
	}
}

func (m *Manager) finish(s *Session, log *zap.Logger) {
	status := s.child.tryWait()
	if err := m.emit(EventExit, ExitEvent{SessionID: s.ID, Status: status}); err != nil {
		log.Debug("failed to emit pty-exit", zap.Error(err))
	}
	m.metrics.SessionExited(status)

	if _, ok := m.registry.Remove(s.ID); ok {
		m.metrics.SessionRemoved()
	}
	s.close()
	log.Info("session ended", zap.Int32("status", status))
}

// emit forwards to the sink, turning a sink panic into ErrInternal.
func (m *Manager) emit(event string, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sink panicked: %v", ErrInternal, r)
		}
	}()
	return m.sink.Emit(event, payload)
}

// isEndOfStream reports the ways a master read ends once the slave side is
// gone: EOF on most systems, EIO on Linux.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// Write sends data to the session's child.
func (m *Manager) Write(id string, data []byte) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if err := s.writer.writeAll(data); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	m.metrics.Input(len(data))
	return nil
}

// Resize applies a new geometry. Values are passed through unchecked.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if err := s.resize(Size{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("%w: %w", ErrResizeFailed, err)
	}
	return nil
}

// Terminate removes the session and kills its child. It does not wait for
// the reader; whichever cleanup path runs second is a no-op.
func (m *Manager) Terminate(id string) {
	s, ok := m.registry.Remove(id)
	if !ok {
		return
	}
	m.metrics.SessionRemoved()
	if err := s.child.kill(); err != nil {
		m.log.Debug("kill failed", zap.String("session_id", id), zap.Error(err))
	}
	m.log.Info("session terminated", zap.String("session_id", id))
}

// TerminateAll terminates every live session.
func (m *Manager) TerminateAll() {
	for _, s := range m.registry.RemoveAll() {
		m.metrics.SessionRemoved()
		if err := s.child.kill(); err != nil {
			m.log.Debug("kill failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// Get returns the session's info if it is live.
func (m *Manager) Get(id string) (Info, bool) {
	s, ok := m.registry.Get(id)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// List returns info for every live session.
func (m *Manager) List() []Info {
	sessions := m.registry.Snapshot()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.registry.Len()
}

var _ SessionManager = (*Manager)(nil)
