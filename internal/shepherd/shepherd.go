package shepherd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/peterje/popper/internal/events"
	ptymgr "github.com/peterje/popper/internal/pty"
)

// Backend is the session manager the shepherd exposes.
type Backend interface {
	ptymgr.SessionManager
	Get(id string) (ptymgr.Info, bool)
	List() []ptymgr.Info
	TerminateAll()
}

// Source supplies the events forwarded to connected clients.
type Source interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// connWriter wraps a net.Conn with a mutex for safe concurrent writes.
type connWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

func (cw *connWriter) writeControl(msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeControl(cw.conn, msg)
}

func (cw *connWriter) writeDataFrame(sessionID string, data []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeDataFrame(cw.conn, sessionID, data)
}

// watchSet tracks which sessions a connection receives output for. While a
// start is in flight, events for unknown sessions are held so the new
// session's first output is not lost before its id is known.
type watchSet struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	starting int
	held     []events.Event
}

func newWatchSet() *watchSet {
	return &watchSet{ids: make(map[string]struct{})}
}

func eventSession(ev events.Event) string {
	switch p := ev.Payload.(type) {
	case ptymgr.DataEvent:
		return p.SessionID
	case ptymgr.ExitEvent:
		return p.SessionID
	}
	return ""
}

// Shepherd is the long-lived process that owns PTY sessions and serves them
// over a unix socket.
type Shepherd struct {
	socketPath string
	pidPath    string

	backend Backend
	source  Source
	buffer  int
	log     *zap.Logger
}

func New(socketPath, pidPath string, backend Backend, source Source, log *zap.Logger) *Shepherd {
	if log == nil {
		log = zap.NewNop()
	}
	return &Shepherd{
		socketPath: socketPath,
		pidPath:    pidPath,
		backend:    backend,
		source:     source,
		buffer:     1024,
		log:        log,
	}
}

// Run listens on the socket until ctx is cancelled, then terminates every
// session and removes the socket and pid file.
func (s *Shepherd) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(s.socketPath, s.pidPath, s.log); err != nil {
		return fmt.Errorf("clean stale socket: %w", err)
	}
	if s.pidPath != "" {
		if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(s.pidPath)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(s.socketPath)

	s.log.Info("shepherd listening", zap.String("socket", s.socketPath), zap.Int("pid", os.Getpid()))
	err = s.Serve(ctx, listener)
	s.backend.TerminateAll()
	return err
}

// Serve accepts connections on l until ctx is cancelled or l fails.
func (s *Shepherd) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Shepherd) handleConn(conn net.Conn) {
	cw := &connWriter{conn: conn}
	watch := newWatchSet()
	evs, unsub := s.source.Subscribe(s.buffer)

	defer func() {
		unsub()
		conn.Close()
	}()
	go s.forward(cw, watch, evs)

	reader := bufio.NewReader(conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return // connection closed
		}
		if frameType == frameControl {
			s.handleControl(cw, watch, payload)
		}
	}
}

// forward relays watched sessions' events until the subscription ends. A
// dropped subscription closes the connection so the client can tell.
func (s *Shepherd) forward(cw *connWriter, watch *watchSet, evs <-chan events.Event) {
	defer cw.conn.Close()
	for ev := range evs {
		id := eventSession(ev)
		if id == "" {
			continue
		}

		watch.mu.Lock()
		_, watched := watch.ids[id]
		if !watched && watch.starting > 0 {
			watch.held = append(watch.held, ev)
		}
		if watched {
			if _, isExit := ev.Payload.(ptymgr.ExitEvent); isExit {
				delete(watch.ids, id)
			}
		}
		watch.mu.Unlock()

		if watched {
			if err := s.send(cw, ev); err != nil {
				return
			}
		}
	}
}

func (s *Shepherd) send(cw *connWriter, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case ptymgr.DataEvent:
		return cw.writeDataFrame(p.SessionID, []byte(p.Data))
	case ptymgr.ExitEvent:
		return cw.writeControl(Response{Event: evtExited, SessionID: p.SessionID, Status: p.Status})
	}
	return nil
}

func (s *Shepherd) handleControl(cw *connWriter, watch *watchSet, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.log.Warn("bad control message", zap.Error(err))
		return
	}

	switch req.Command {
	case cmdPing:
		cw.writeControl(Response{ID: req.ID, Event: evtPong})

	case cmdStart:
		s.handleStart(cw, watch, req)

	case cmdWrite:
		s.reply(cw, req, s.backend.Write(req.SessionID, req.Data))

	case cmdResize:
		s.reply(cw, req, s.backend.Resize(req.SessionID, req.Cols, req.Rows))

	case cmdTerminate:
		s.backend.Terminate(req.SessionID)
		cw.writeControl(Response{ID: req.ID, Event: evtOK, SessionID: req.SessionID})

	case cmdSubscribe:
		if _, ok := s.backend.Get(req.SessionID); !ok {
			s.reply(cw, req, ptymgr.ErrSessionNotFound)
			return
		}
		watch.mu.Lock()
		watch.ids[req.SessionID] = struct{}{}
		watch.mu.Unlock()
		s.reply(cw, req, nil)

	case cmdList:
		cw.writeControl(Response{ID: req.ID, Event: evtList, Sessions: s.backend.List()})

	default:
		cw.writeControl(Response{ID: req.ID, Event: evtError, Error: "unknown command: " + req.Command})
	}
}

func (s *Shepherd) reply(cw *connWriter, req Request, err error) {
	if err != nil {
		cw.writeControl(errorResponse(req.ID, err))
		return
	}
	cw.writeControl(Response{ID: req.ID, Event: evtOK, SessionID: req.SessionID})
}

// handleStart starts a session and replays any of its output that arrived
// before the id was known, after the started response.
func (s *Shepherd) handleStart(cw *connWriter, watch *watchSet, req Request) {
	watch.mu.Lock()
	watch.starting++
	watch.mu.Unlock()

	id, err := s.backend.Start(req.Cols, req.Rows)

	watch.mu.Lock()
	defer watch.mu.Unlock()
	watch.starting--

	if err != nil {
		if watch.starting == 0 {
			watch.held = nil
		}
		cw.writeControl(errorResponse(req.ID, err))
		return
	}

	cw.writeControl(Response{ID: req.ID, Event: evtStarted, SessionID: id})
	watch.ids[id] = struct{}{}

	keep := watch.held[:0]
	for _, ev := range watch.held {
		if eventSession(ev) != id {
			keep = append(keep, ev)
			continue
		}
		s.send(cw, ev)
		if _, isExit := ev.Payload.(ptymgr.ExitEvent); isExit {
			delete(watch.ids, id)
		}
	}
	watch.held = keep
	if watch.starting == 0 {
		watch.held = nil
	}
}

// cleanStaleSocket removes a stale socket file if the shepherd process is not running.
func cleanStaleSocket(socketPath, pidPath string, log *zap.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return errors.New("shepherd already running (socket active)")
	}

	if pidPath != "" {
		if pidData, err := os.ReadFile(pidPath); err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil && pid != os.Getpid() {
				if proc, err := os.FindProcess(pid); err == nil {
					if err := proc.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("shepherd already running (pid %d)", pid)
					}
				}
			}
		}
	}

	log.Info("removing stale socket", zap.String("socket", socketPath))
	os.Remove(socketPath)
	if pidPath != "" {
		os.Remove(pidPath)
	}
	return nil
}
