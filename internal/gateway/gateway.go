// Package gateway is the public end of the reverse tunnel: a popper host
// dials in, and authenticated users reach the host's HTTP and WebSocket API
// through it.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/popper/internal/api"
)

// Config holds gateway configuration.
type Config struct {
	Port     int
	TLSCert  string
	TLSKey   string
	CacheDir string // self-signed certificate cache
	Token    string // user bearer token
	Secret   string // host tunnel secret
}

// Handler builds the gateway routes.
func Handler(cfg Config, log *zap.Logger) (http.Handler, *Host) {
	host := NewHost(cfg.Secret, log)

	mux := http.NewServeMux()
	// The host authenticates with the tunnel secret, not the user token.
	mux.Handle("/tunnel", host)
	// Distinct from /api/health, which is proxied to the host.
	mux.HandleFunc("GET /gateway/health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, gatewayHealth{Status: "ok", Host: host.Status()})
	})
	mux.Handle("/", NewProxy(host, log))

	return NewAuth(cfg.Token).Middleware(mux), host
}

type gatewayHealth struct {
	Status string     `json:"status"`
	Host   HostStatus `json:"host"`
}

// Run serves the gateway over TLS until ctx is cancelled.
func Run(ctx context.Context, cfg Config, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Secret == "" {
		cfg.Secret = randomHex(24)
	}
	if cfg.Token == "" {
		cfg.Token = randomHex(24)
	}

	handler, _ := Handler(cfg, log)

	tlsCfg, err := TLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.CacheDir)
	if err != nil {
		return fmt.Errorf("TLS config: %w", err)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println("Popper Gateway")
	fmt.Println("==============")
	fmt.Println()

	tunnelURL := fmt.Sprintf("wss://YOUR_HOST:%d/tunnel", cfg.Port)
	if cfg.Port == 443 {
		tunnelURL = "wss://YOUR_HOST/tunnel"
	}

	fmt.Printf("Listening on https://%s\n", addr)
	fmt.Printf("Tunnel secret: %s\n", cfg.Secret)
	fmt.Printf("User token:    %s\n", cfg.Token)
	fmt.Println()
	fmt.Println("Connect a host with:")
	fmt.Printf("  popper serve -gateway %s -gateway-secret %s\n", tunnelURL, cfg.Secret)
	fmt.Println()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err = srv.ListenAndServeTLS("", "")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
