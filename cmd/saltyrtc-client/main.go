package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/client"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/config"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/cryptobox"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code: 2 for configuration errors, 1 for
// runtime failures.
func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if config.IsHelp(err) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	ks, err := loadKey(cfg)
	if err != nil {
		logger.Error("failed to load permanent key", "err", err)
		return 2
	}
	defer ks.Zero()

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting saltyrtc-client",
		"server_url", cfg.ServerURL,
		"role", cfg.Role.String(),
		"public_key", ks.PublicKey().Hex(),
		"tasks", len(cfg.Tasks),
		"handshake_timeout", cfg.HandshakeTimeout,
		"commit", commit,
		"build_time", builtAt,
	)
	if cfg.AuthTokenGenerated {
		// The responder needs this token out of band.
		logger.Info("generated auth token", "auth_token", cfg.AuthToken.Hex())
	}
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	if cfg.MetricsListenAddr != "" {
		shutdown, err := serveMetrics(logger, cfg.MetricsListenAddr, m)
		if err != nil {
			logger.Error("failed to listen for metrics", "err", err)
			return 1
		}
		defer shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := client.Connect(ctx, cfg.ClientConfig(ks, logger, m))
	if err != nil {
		logger.Error("failed to connect", "err", err)
		return 1
	}

	if err := runSession(ctx, logger, sess, os.Stdin, os.Stdout); err != nil {
		logger.Error("session ended with error", "err", err)
		return 1
	}
	return 0
}

func loadKey(cfg config.Config) (*cryptobox.KeyStore, error) {
	if cfg.KeyFile == "" {
		return cryptobox.GenerateKeyStore()
	}
	ks, generated, err := cryptobox.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if generated {
		slog.Info("generated permanent key", "key_file", cfg.KeyFile)
	}
	return ks, nil
}

// session is the part of *client.Session the event loop drives.
type session interface {
	Events() <-chan signaling.Event
	SendApplication(ctx context.Context, data any) error
	Close(code signaling.CloseCode) error
	Err() error
}

// runSession logs every event, relays input lines as application messages
// while the task runs, and writes received application data to out. It
// returns once the event stream ends.
func runSession(ctx context.Context, logger *slog.Logger, sess session, in io.Reader, out io.Writer) error {
	var (
		lines   <-chan string
		reading bool
		running bool
		stopped = ctx.Done()
	)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return sess.Err()
			}
			logEvent(logger, ev)
			switch e := ev.(type) {
			case signaling.TaskSelected:
				running = true
				if !reading {
					reading = true
					lines = readLines(in)
				}
			case signaling.HandshakeProgress:
				running = e.State == signaling.StateTask
			case signaling.ApplicationData:
				fmt.Fprintln(out, e.Data)
			case signaling.Closed:
				running = false
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !running {
				logger.Warn("dropping input line, task is not running")
				continue
			}
			if err := sess.SendApplication(context.Background(), line); err != nil {
				logger.Warn("failed to send application message", "err", err)
			}

		case <-stopped:
			stopped = nil
			logger.Info("shutdown signal received")
			if err := sess.Close(signaling.CloseGoingAway); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func serveMetrics(logger *slog.Logger, addr string, m *metrics.Metrics) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.PrometheusHandler(m))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
