package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/popper/internal/attach"
	"github.com/peterje/popper/internal/config"
	"github.com/peterje/popper/internal/events"
	"github.com/peterje/popper/internal/gateway"
	"github.com/peterje/popper/internal/locator"
	"github.com/peterje/popper/internal/logging"
	"github.com/peterje/popper/internal/metrics"
	"github.com/peterje/popper/internal/preflight"
	ptymgr "github.com/peterje/popper/internal/pty"
	"github.com/peterje/popper/internal/server"
	"github.com/peterje/popper/internal/shepherd"
	"github.com/peterje/popper/internal/tunnel"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "serve" || args[0] == "shepherd" || args[0] == "attach" || args[0] == "gateway") {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "popper: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "shepherd":
		log := newLogger(cfg)
		defer log.Sync()
		if err := runShepherd(cfg, log); err != nil {
			log.Fatal("shepherd failed", zap.Error(err))
		}
	case "gateway":
		log := newLogger(cfg)
		defer log.Sync()
		if err := runGateway(cfg, log, args); err != nil {
			log.Fatal("gateway failed", zap.Error(err))
		}
	case "attach":
		// Keep the raw terminal clean: only warnings reach stderr.
		cfg.Logging.Level = "warn"
		log := newLogger(cfg)
		os.Exit(runAttach(cfg, log))
	default:
		log := newLogger(cfg)
		defer log.Sync()
		if err := runServe(cfg, log, args); err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "popper: logger: %v, using defaults\n", err)
		return logging.NewDefault().Logger
	}
	return logger.Logger
}

func newLocator(cfg *config.Config) *locator.Locator {
	return locator.New(cfg.Sidecar.ResourceDir, cfg.Sidecar.DevRoot, cfg.Sidecar.TargetTriple)
}

func newManager(cfg *config.Config, sink ptymgr.Sink, m *metrics.Metrics, log *zap.Logger) *ptymgr.Manager {
	return ptymgr.NewManager(sink, newLocator(cfg),
		ptymgr.WithProgram(cfg.Sidecar.Program),
		ptymgr.WithTerm(cfg.Session.Term),
		ptymgr.WithWorkDir(cfg.Session.WorkDir),
		ptymgr.WithReadBufferSize(cfg.Session.ReadBufferSize),
		ptymgr.WithLogger(log),
		ptymgr.WithMetrics(m),
	)
}

func runServe(cfg *config.Config, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", cfg.Server.Port, "server port")
	gatewayURL := fs.String("gateway", cfg.Tunnel.GatewayURL, "gateway tunnel URL (wss://host/tunnel)")
	gatewaySecret := fs.String("gateway-secret", cfg.Tunnel.Secret, "gateway pre-shared secret")
	inProcess := fs.Bool("in-process", false, "run sessions in this process instead of the shepherd")
	fs.Parse(args)
	cfg.Server.Port = *port

	fmt.Println("Popper - PTY session host")
	fmt.Println("=========================")
	fmt.Println()

	// Preflight checks
	fmt.Println("Running preflight checks...")
	sidecar := preflight.CheckSidecar(os.Stdout, newLocator(cfg), cfg.Sidecar.Program)
	fmt.Println()

	m := metrics.New()

	// Connect to or start the shepherd process
	var backend server.Backend
	var local *server.Local
	var shepherdClient *shepherd.Client
	if !*inProcess {
		c, err := connectOrStartShepherd(cfg, log)
		if err == nil {
			shepherdClient = c
			backend = c
		} else {
			log.Warn("shepherd unavailable, falling back to in-process PTY manager", zap.Error(err))
		}
	}
	if backend == nil {
		hub := events.NewHub(log, m)
		local = &server.Local{Manager: newManager(cfg, hub, m, log), Hub: hub}
		backend = local
	}

	srv := server.New(backend, sidecar, m, cfg.Session.EventBuffer, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *gatewayURL != "" {
		go tunnel.NewClient(*gatewayURL, *gatewaySecret, srv.Handler(), log).Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		fmt.Println("\nShutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Server running at http://%s\n", httpSrv.Addr)
	err := httpSrv.ListenAndServe()

	// Sessions in the shepherd outlive the server; local ones do not.
	if local != nil {
		local.TerminateAll()
		local.Hub.Close()
	}
	if shepherdClient != nil {
		shepherdClient.Close()
	}

	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	fmt.Println("Server stopped.")
	return nil
}

func runShepherd(cfg *config.Config, log *zap.Logger) error {
	m := metrics.New()
	hub := events.NewHub(log, m)
	defer hub.Close()

	mgr := newManager(cfg, hub, m, log)
	sh := shepherd.New(cfg.Shepherd.SocketPath, cfg.Shepherd.PIDPath, mgr, hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return sh.Run(ctx)
}

func runGateway(cfg *config.Config, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	port := fs.Int("port", cfg.Gateway.Port, "gateway port")
	tlsCert := fs.String("tls-cert", cfg.Gateway.TLSCert, "TLS certificate file")
	tlsKey := fs.String("tls-key", cfg.Gateway.TLSKey, "TLS key file")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return gateway.Run(ctx, gateway.Config{
		Port:    *port,
		TLSCert: *tlsCert,
		TLSKey:  *tlsKey,
		Token:   cfg.Gateway.Token,
		Secret:  cfg.Tunnel.Secret,
	}, log)
}

func runAttach(cfg *config.Config, log *zap.Logger) int {
	client, err := connectOrStartShepherd(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "popper: %v\n", err)
		return 1
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	status, err := attach.Run(ctx, client, os.Stdin, os.Stdout, attach.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "\npopper: %v\n", err)
		return 1
	}
	if status < 0 {
		return 1
	}
	return int(status)
}

// connectOrStartShepherd connects to an existing shepherd or launches a new one.
func connectOrStartShepherd(cfg *config.Config, log *zap.Logger) (*shepherd.Client, error) {
	socketPath := cfg.Shepherd.SocketPath

	// Try connecting to existing shepherd
	client, err := shepherd.NewClient(socketPath, log)
	if err == nil {
		if err := client.Ping(); err == nil {
			log.Info("connected to existing shepherd", zap.String("socket", socketPath))
			return client, nil
		}
		client.Close()
	}

	// Launch a new shepherd process
	log.Info("starting shepherd process")
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}

	cmd := exec.Command(exe, "shepherd")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	// Output is discarded: the shepherd outlives the terminal that started it.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shepherd: %w", err)
	}
	// Detach, don't wait for the shepherd to exit
	cmd.Process.Release()

	// Wait for shepherd to become available
	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		time.Sleep(50 * time.Millisecond)
		client, err = shepherd.NewClient(socketPath, log)
		if err == nil {
			if err := client.Ping(); err == nil {
				log.Info("shepherd started and connected", zap.String("socket", socketPath))
				return client, nil
			}
			client.Close()
		}
	}

	return nil, fmt.Errorf("shepherd did not become available within 2s")
}
