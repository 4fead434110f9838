package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// SecretHeader carries the pre-shared secret on the tunnel handshake.
const SecretHeader = "X-Gateway-Secret"

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Client connects outbound to a gateway and serves the host HTTP handler on
// every stream the gateway opens over yamux.
type Client struct {
	gatewayURL string // wss://gateway.example.com/tunnel
	secret     string // pre-shared secret
	handler    http.Handler
	log        *zap.Logger
}

func NewClient(gatewayURL, secret string, handler http.Handler, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		gatewayURL: gatewayURL,
		secret:     secret,
		handler:    handler,
		log:        log,
	}
}

// Run connects to the gateway and serves tunnel traffic, reconnecting with
// exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff

	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// Connected successfully at some point, reset backoff
			backoff = minBackoff
		}
		c.log.Warn("tunnel disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if !connected {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (c *Client) connect(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// Gateways commonly run with self-signed certs; the pre-shared
		// secret authenticates the connection.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	header := http.Header{}
	header.Set(SecretHeader, c.secret)

	wsConn, _, err := dialer.DialContext(ctx, c.gatewayURL, header)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer wsConn.Close()

	c.log.Info("tunnel connected", zap.String("gateway", c.gatewayURL))

	// The host is the yamux server: the gateway opens streams.
	session, err := yamux.Server(NewWSConn(wsConn), yamux.DefaultConfig())
	if err != nil {
		return true, fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	srv := &http.Server{Handler: c.handler, ReadHeaderTimeout: 10 * time.Second}
	return true, fmt.Errorf("serve tunnel: %w", srv.Serve(session))
}
