package shepherd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/peterje/popper/internal/events"
	ptymgr "github.com/peterje/popper/internal/pty"
)

// ErrClientClosed is returned once the connection to the shepherd is gone.
var ErrClientClosed = errors.New("shepherd client closed")

// Client connects to the shepherd and implements ptymgr.SessionManager.
// Output and exit notifications for started or watched sessions are
// re-emitted on a local hub as ptymgr.DataEvent and ptymgr.ExitEvent.
type Client struct {
	conn   net.Conn
	connMu sync.Mutex // serialize writes

	// Pending request-response correlation
	pendingMu sync.Mutex
	pending   map[string]chan Response

	hub *events.Hub
	log *zap.Logger

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{}
	dead       chan struct{}
}

// NewClient connects to the shepherd at the given socket path.
func NewClient(socketPath string, log *zap.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to shepherd: %w", err)
	}
	return newClient(conn, log), nil
}

func newClient(conn net.Conn, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
		hub:     events.NewHub(log, nil),
		log:     log,
		closed:  make(chan struct{}),
		dead:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close disconnects from the shepherd. Sessions keep running there.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection has stopped reading.
func (c *Client) Done() <-chan struct{} {
	return c.dead
}

// Subscribe returns the local stream of session events. The channel closes
// when the connection to the shepherd is lost.
func (c *Client) Subscribe(buffer int) (<-chan events.Event, func()) {
	return c.hub.Subscribe(buffer)
}

// Ping checks if the shepherd is responsive.
func (c *Client) Ping() error {
	resp, err := c.sendRequest(Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

// List returns the sessions running in the shepherd.
func (c *Client) List() ([]ptymgr.Info, error) {
	resp, err := c.sendRequest(Request{Command: cmdList})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, resp.err()
}

// Start implements ptymgr.SessionManager.
func (c *Client) Start(cols, rows uint16) (string, error) {
	resp, err := c.sendRequest(Request{Command: cmdStart, Cols: cols, Rows: rows})
	if err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Write implements ptymgr.SessionManager.
func (c *Client) Write(id string, data []byte) error {
	return c.call(Request{Command: cmdWrite, SessionID: id, Data: data})
}

// Resize implements ptymgr.SessionManager.
func (c *Client) Resize(id string, cols, rows uint16) error {
	return c.call(Request{Command: cmdResize, SessionID: id, Cols: cols, Rows: rows})
}

// Terminate implements ptymgr.SessionManager.
func (c *Client) Terminate(id string) {
	if err := c.call(Request{Command: cmdTerminate, SessionID: id}); err != nil {
		c.log.Debug("terminate failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Watch asks the shepherd to forward output of a session this connection
// did not start.
func (c *Client) Watch(id string) error {
	return c.call(Request{Command: cmdSubscribe, SessionID: id})
}

func (c *Client) call(req Request) error {
	resp, err := c.sendRequest(req)
	if err != nil {
		return err
	}
	return resp.err()
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

func (c *Client) sendRequest(req Request) (Response, error) {
	select {
	case <-c.dead:
		return Response{}, ErrClientClosed
	default:
	}
	req.ID = c.nextReqID()

	// Register pending response channel
	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err := writeControl(c.conn, req)
	c.connMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.dead:
		return Response{}, ErrClientClosed
	}
}

func (c *Client) readLoop() {
	defer func() {
		close(c.dead)
		c.hub.Close()
	}()

	reader := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("shepherd connection lost", zap.Error(err))
			}
			return
		}

		switch frameType {
		case frameControl:
			c.handleControlFrame(payload)
		case frameData:
			c.handleDataFrame(payload)
		}
	}
}

func (c *Client) handleControlFrame(payload []byte) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.log.Warn("bad control frame", zap.Error(err))
		return
	}

	// Exit notifications carry no request ID
	if resp.Event == evtExited && resp.ID == "" {
		c.hub.Emit(ptymgr.EventExit, ptymgr.ExitEvent{SessionID: resp.SessionID, Status: resp.Status})
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) handleDataFrame(payload []byte) {
	sessionID, data, err := parseDataPayload(payload)
	if err != nil {
		return
	}
	c.hub.Emit(ptymgr.EventData, ptymgr.DataEvent{SessionID: sessionID, Data: string(data)})
}

var _ ptymgr.SessionManager = (*Client)(nil)
