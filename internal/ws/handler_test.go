package ws

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/popper/internal/events"
	ptymgr "github.com/peterje/popper/internal/pty"
)

// echoManager turns every write into a pty-data event on the hub.
type echoManager struct {
	hub *events.Hub

	mu         sync.Mutex
	live       map[string]bool
	terminated []string
	panicOn    string
}

func (m *echoManager) Start(cols, rows uint16) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cols == 1 {
		return "", fmt.Errorf("%w: popper sidecar not found", ptymgr.ErrSidecarNotFound)
	}
	id := fmt.Sprintf("s%d", len(m.live)+1)
	m.live[id] = true
	return id, nil
}

func (m *echoManager) Write(id string, data []byte) error {
	m.mu.Lock()
	live := m.live[id]
	panicOn := m.panicOn
	m.mu.Unlock()
	if id == panicOn {
		panic("boom")
	}
	if !live {
		return fmt.Errorf("%w: %s", ptymgr.ErrSessionNotFound, id)
	}
	m.hub.Emit(ptymgr.EventData, ptymgr.DataEvent{SessionID: id, Data: string(data)})
	return nil
}

func (m *echoManager) Resize(id string, cols, rows uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.live[id] {
		return ptymgr.ErrSessionNotFound
	}
	return nil
}

func (m *echoManager) Terminate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, id)
	delete(m.live, id)
}

// message is either a Reply or a pushed event.
type message struct {
	ID      string         `json:"id"`
	OK      bool           `json:"ok"`
	Result  any            `json:"result"`
	Error   string         `json:"error"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	events []message
}

func dial(t *testing.T) (*client, *echoManager) {
	t.Helper()
	hub := events.NewHub(nil, nil)
	mgr := &echoManager{hub: hub, live: make(map[string]bool)}
	srv := httptest.NewServer(NewHandler(mgr, hub, 16, nil))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	return &client{t: t, conn: conn}, mgr
}

// call sends one invoke and returns its reply, keeping events seen meanwhile.
func (c *client) call(id, cmd, args string) message {
	c.t.Helper()
	raw := fmt.Sprintf(`{"id":%q,"cmd":%q,"args":%s}`, id, cmd, args)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
	for {
		msg := c.read()
		if msg.Event != "" {
			c.events = append(c.events, msg)
			continue
		}
		require.Equal(c.t, id, msg.ID)
		return msg
	}
}

func (c *client) read() message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg message
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

func (c *client) nextEvent() message {
	c.t.Helper()
	if len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		return ev
	}
	for {
		msg := c.read()
		if msg.Event != "" {
			return msg
		}
	}
}

func TestInvokeSessionCommands(t *testing.T) {
	c, mgr := dial(t)

	start := c.call("1", CmdStartSession, `{"cols":100,"rows":30}`)
	require.True(t, start.OK, start.Error)
	id, ok := start.Result.(string)
	require.True(t, ok)

	write := c.call("2", CmdWriteToSession, fmt.Sprintf(`{"sessionId":%q,"data":"ls\n"}`, id))
	require.True(t, write.OK, write.Error)

	ev := c.nextEvent()
	assert.Equal(t, ptymgr.EventData, ev.Event)
	assert.Equal(t, id, ev.Payload["session_id"])
	assert.Equal(t, "ls\n", ev.Payload["data"])

	resize := c.call("3", CmdResizeSession, fmt.Sprintf(`{"session_id":%q,"cols":120,"rows":40}`, id))
	assert.True(t, resize.OK, resize.Error)

	term := c.call("4", CmdTerminateSession, fmt.Sprintf(`{"session_id":%q}`, id))
	assert.True(t, term.OK)
	again := c.call("5", CmdTerminateSession, fmt.Sprintf(`{"session_id":%q}`, id))
	assert.True(t, again.OK, "terminate never fails")

	mgr.mu.Lock()
	assert.Equal(t, []string{id, id}, mgr.terminated)
	mgr.mu.Unlock()
}

func TestInvokeErrors(t *testing.T) {
	c, _ := dial(t)

	missing := c.call("1", CmdWriteToSession, `{"session_id":"nope","data":"x"}`)
	assert.False(t, missing.OK)
	assert.Contains(t, missing.Error, "session not found")

	sidecar := c.call("2", CmdStartSession, `{"cols":1,"rows":1}`)
	assert.False(t, sidecar.OK)
	assert.Contains(t, sidecar.Error, "sidecar not found")

	unknown := c.call("3", "launch_rockets", `{}`)
	assert.False(t, unknown.OK)
	assert.Contains(t, unknown.Error, "unknown command")

	badArgs := c.call("4", CmdResizeSession, `{"cols":"wide"}`)
	assert.False(t, badArgs.OK)
	assert.Contains(t, badArgs.Error, "invalid args")
}

func TestInvokeRecoversPanics(t *testing.T) {
	c, mgr := dial(t)
	mgr.mu.Lock()
	mgr.panicOn = "bad"
	mgr.mu.Unlock()

	reply := c.call("1", CmdWriteToSession, `{"session_id":"bad","data":"x"}`)
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "internal")

	// the connection survives
	start := c.call("2", CmdStartSession, `{}`)
	assert.True(t, start.OK)
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	c, _ := dial(t)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := c.read()
	assert.False(t, msg.OK)
	assert.Contains(t, msg.Error, "invalid message")

	start := c.call("1", CmdStartSession, `{}`)
	assert.True(t, start.OK)
}
