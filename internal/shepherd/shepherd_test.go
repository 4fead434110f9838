package shepherd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peterje/popper/internal/events"
	ptymgr "github.com/peterje/popper/internal/pty"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeBackend echoes writes back as output through the hub. Start emits a
// greeting before returning, like a sidecar that prints immediately.
type fakeBackend struct {
	hub *events.Hub

	mu       sync.Mutex
	next     int
	sessions map[string]ptymgr.Info
	fail     error
}

func newFakeBackend(hub *events.Hub) *fakeBackend {
	return &fakeBackend{hub: hub, sessions: make(map[string]ptymgr.Info)}
}

func (f *fakeBackend) Start(cols, rows uint16) (string, error) {
	f.mu.Lock()
	if f.fail != nil {
		f.mu.Unlock()
		return "", f.fail
	}
	f.next++
	id := fmt.Sprintf("s%d", f.next)
	f.sessions[id] = ptymgr.Info{ID: id, Cols: cols, Rows: rows}
	f.mu.Unlock()

	f.hub.Emit(ptymgr.EventData, ptymgr.DataEvent{SessionID: id, Data: "ready\n"})
	return id, nil
}

func (f *fakeBackend) Write(id string, data []byte) error {
	if _, ok := f.Get(id); !ok {
		return fmt.Errorf("%w: %s", ptymgr.ErrSessionNotFound, id)
	}
	f.hub.Emit(ptymgr.EventData, ptymgr.DataEvent{SessionID: id, Data: string(data)})
	return nil
}

func (f *fakeBackend) Resize(id string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.sessions[id]
	if !ok {
		return ptymgr.ErrSessionNotFound
	}
	info.Cols, info.Rows = cols, rows
	f.sessions[id] = info
	return nil
}

func (f *fakeBackend) Terminate(id string) {
	f.mu.Lock()
	_, ok := f.sessions[id]
	delete(f.sessions, id)
	f.mu.Unlock()
	if ok {
		f.hub.Emit(ptymgr.EventExit, ptymgr.ExitEvent{SessionID: id, Status: 0})
	}
}

func (f *fakeBackend) Get(id string) (ptymgr.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.sessions[id]
	return info, ok
}

func (f *fakeBackend) List() []ptymgr.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ptymgr.Info, 0, len(f.sessions))
	for _, info := range f.sessions {
		out = append(out, info)
	}
	return out
}

func (f *fakeBackend) TerminateAll() {
	for _, info := range f.List() {
		f.Terminate(info.ID)
	}
}

// collector gathers a client's local events.
type collector struct {
	mu   sync.Mutex
	data map[string]string
	exit map[string][]int32
}

func collect(t *testing.T, c *Client) *collector {
	t.Helper()
	col := &collector{data: make(map[string]string), exit: make(map[string][]int32)}
	evs, unsub := c.Subscribe(256)
	t.Cleanup(unsub)
	go func() {
		for ev := range evs {
			col.mu.Lock()
			switch p := ev.Payload.(type) {
			case ptymgr.DataEvent:
				col.data[p.SessionID] += p.Data
			case ptymgr.ExitEvent:
				col.exit[p.SessionID] = append(col.exit[p.SessionID], p.Status)
			}
			col.mu.Unlock()
		}
	}()
	return col
}

func (c *collector) output(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[id]
}

func (c *collector) exits(id string) []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int32(nil), c.exit[id]...)
}

// startShepherd runs a shepherd on a short socket path and returns it.
func startShepherd(t *testing.T) (string, *fakeBackend) {
	t.Helper()
	// unix socket paths are length-limited, t.TempDir can be too deep
	dir, err := os.MkdirTemp("", "pshep")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "s.sock")
	hub := events.NewHub(nil, nil)
	backend := newFakeBackend(hub)
	sh := New(socket, filepath.Join(dir, "s.pid"), backend, hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sh.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, waitFor, tick)
	return socket, backend
}

func dial(t *testing.T, socket string) *Client {
	t.Helper()
	c, err := NewClient(socket, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDataFrame(&buf, "abc", []byte("out")))
	require.NoError(t, writeControl(&buf, Request{ID: "r1", Command: cmdPing}))

	typ, payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameData, typ)
	id, data, err := parseDataPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "out", string(data))

	typ, payload, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameControl, typ)
	assert.Contains(t, string(payload), `"command":"ping"`)
}

func TestDataFrameRejectsLongSessionID(t *testing.T) {
	var buf bytes.Buffer
	err := writeDataFrame(&buf, strings.Repeat("x", 256), nil)
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestRemoteErrorUnwrapsToSentinel(t *testing.T) {
	resp := errorResponse("r1", fmt.Errorf("%w: abc", ptymgr.ErrSessionNotFound))
	assert.Equal(t, "session_not_found", resp.Code)

	err := resp.err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ptymgr.ErrSessionNotFound)
	assert.NotErrorIs(t, err, ptymgr.ErrWriteFailed)

	plain := Response{Event: evtError, Error: "boom"}.err()
	assert.EqualError(t, plain, "shepherd: boom")
}

func TestClientSessionLifecycle(t *testing.T) {
	socket, backend := startShepherd(t)
	c := dial(t, socket)
	col := collect(t, c)

	require.NoError(t, c.Ping())

	id, err := c.Start(100, 30)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// output emitted while Start was in flight still arrives
	require.Eventually(t, func() bool {
		return col.output(id) == "ready\n"
	}, waitFor, tick)

	require.NoError(t, c.Write(id, []byte("hi")))
	require.Eventually(t, func() bool {
		return col.output(id) == "ready\nhi"
	}, waitFor, tick)

	require.NoError(t, c.Resize(id, 120, 40))
	info, ok := backend.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint16(120), info.Cols)

	sessions, err := c.List()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)

	c.Terminate(id)
	require.Eventually(t, func() bool {
		return len(col.exits(id)) == 1
	}, waitFor, tick)
	c.Terminate(id)

	assert.ErrorIs(t, c.Write(id, []byte("x")), ptymgr.ErrSessionNotFound)
	assert.ErrorIs(t, c.Resize(id, 1, 1), ptymgr.ErrSessionNotFound)
}

func TestStartErrorCarriesSentinel(t *testing.T) {
	socket, backend := startShepherd(t)
	backend.mu.Lock()
	backend.fail = fmt.Errorf("%w: popper sidecar not found", ptymgr.ErrSidecarNotFound)
	backend.mu.Unlock()

	c := dial(t, socket)
	_, err := c.Start(0, 0)
	assert.ErrorIs(t, err, ptymgr.ErrSidecarNotFound)
}

func TestClientsOnlySeeWatchedSessions(t *testing.T) {
	socket, _ := startShepherd(t)
	a := dial(t, socket)
	b := dial(t, socket)
	colA := collect(t, a)
	colB := collect(t, b)

	id, err := a.Start(0, 0)
	require.NoError(t, err)
	require.NoError(t, a.Write(id, []byte("one")))
	require.Eventually(t, func() bool {
		return strings.HasSuffix(colA.output(id), "one")
	}, waitFor, tick)
	assert.Empty(t, colB.output(id), "b never asked for this session")

	require.NoError(t, b.Watch(id))
	require.NoError(t, a.Write(id, []byte("two")))
	require.Eventually(t, func() bool {
		return colB.output(id) == "two"
	}, waitFor, tick)

	assert.ErrorIs(t, b.Watch("missing"), ptymgr.ErrSessionNotFound)
}

func TestClientFailsWhenShepherdStops(t *testing.T) {
	dir, err := os.MkdirTemp("", "pshep")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	socket := filepath.Join(dir, "s.sock")
	hub := events.NewHub(nil, nil)
	sh := New(socket, "", newFakeBackend(hub), hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sh.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, waitFor, tick)

	c, err := NewClient(socket, nil)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping())

	// closing the hub ends every connection's subscription
	hub.Close()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not notice the lost connection")
	}
	assert.ErrorIs(t, c.Ping(), ErrClientClosed)

	cancel()
	require.NoError(t, <-done)
}

func TestCleanStaleSocket(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "stale.sock")
	pid := filepath.Join(dir, "stale.pid")
	require.NoError(t, os.WriteFile(socket, nil, 0o600))
	require.NoError(t, os.WriteFile(pid, []byte("999999999"), 0o600))

	require.NoError(t, cleanStaleSocket(socket, pid, zap.NewNop()))
	assert.NoFileExists(t, socket)
	assert.NoFileExists(t, pid)
}
