package tunnel

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateway accepts one tunnel and hands back its yamux client session.
func gateway(t *testing.T, secret string) (string, <-chan *yamux.Session) {
	t.Helper()
	sessions := make(chan *yamux.Session, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SecretHeader) != secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session, err := yamux.Client(NewWSConn(conn), yamux.DefaultConfig())
		if err != nil {
			conn.Close()
			return
		}
		sessions <- session
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), sessions
}

func TestTunnelServesHandler(t *testing.T) {
	url, sessions := gateway(t, "s3cret")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello from "+r.URL.Path)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewClient(url, "s3cret", handler, nil).Run(ctx)
		close(done)
	}()

	var session *yamux.Session
	select {
	case session = <-sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel never connected")
	}
	defer session.Close()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			return session.Open()
		},
	}}
	resp, err := client.Get("http://tunnel/api/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello from /api/health", string(body))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTunnelRetriesRejectedSecret(t *testing.T) {
	url, sessions := gateway(t, "right")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	NewClient(url, "wrong", http.NotFoundHandler(), nil).Run(ctx)

	assert.Empty(t, sessions)
}
