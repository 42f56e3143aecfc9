// Command mcpgate runs the tool-invocation gateway: the SSE transport, the
// stateless JSON-RPC endpoint, and an internal broadcast hook, all over a
// shared method registry.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/mcpgate/mcpgate/broker"
	"github.com/mcpgate/mcpgate/broker/memory"
	"github.com/mcpgate/mcpgate/broker/redishook"
	"github.com/mcpgate/mcpgate/dispatch"
	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logctx"
	"github.com/mcpgate/mcpgate/mcp"
	"github.com/mcpgate/mcpgate/rpchttp"
	"github.com/mcpgate/mcpgate/ssehttp"
	"github.com/mcpgate/mcpgate/tools"
)

// Config is the binary's environment surface. Libraries never read the
// environment themselves; everything funnels through here.
type Config struct {
	Addr              string        `env:"ADDR,default=:8080"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT,default=5m"`
	MaxConnections    int           `env:"MAX_CONNECTIONS,default=100"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s"`
	AutoHandshake     bool          `env:"AUTO_HANDSHAKE,default=true"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE,default=10s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("mcpgate exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	b, err := newBroker(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	registry := dispatch.NewMCP(dispatch.MCPConfig{
		ServerInfo: mcp.ImplementationInfo{Name: "mcpgate", Version: "1.0.0"},
		Tools:      tools.NewRegistry(tools.Echo(), tools.Now(nil)),
	}, dispatch.WithLogger(logger))

	sseHandler, err := ssehttp.New(registry,
		ssehttp.WithLogger(logger),
		ssehttp.WithBroker(b),
		ssehttp.WithHeartbeatInterval(cfg.HeartbeatInterval),
		ssehttp.WithIdleTimeout(cfg.IdleTimeout),
		ssehttp.WithMaxConnections(cfg.MaxConnections),
		ssehttp.WithHandshakeTimeout(cfg.HandshakeTimeout),
		ssehttp.WithAutoHandshake(cfg.AutoHandshake),
	)
	if err != nil {
		return err
	}

	rpcHandler := rpchttp.New(registry, rpchttp.WithLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("GET /sse", sseHandler)
	mux.Handle("POST /messages", sseHandler)
	mux.Handle("POST /rpc", rpcHandler)
	mux.HandleFunc("POST /internal/broadcast", broadcastHandler(sseHandler, logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server.listen", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server.shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		// Streams hold their request goroutines open, so the transport must
		// release them before Shutdown can drain the server.
		closeErr := sseHandler.Close(shutdownCtx)
		return errors.Join(closeErr, srv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: "[15:04:05.000]",
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(logctx.Handler{Handler: handler})
}

func newBroker(cfg Config) (broker.Broker, error) {
	if cfg.RedisAddr == "" {
		return memory.New(), nil
	}
	return redishook.New(redishook.Config{RedisAddr: cfg.RedisAddr})
}

// broadcastHandler publishes a JSON-RPC notification to every ready stream
// across all replicas sharing the broker.
func broadcastHandler(h *ssehttp.Handler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "body must carry a method"})
			return
		}

		note, err := jsonrpc.NewNotification(req.Method, req.Params)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := h.Broadcast(r.Context(), "mcp-response", note); err != nil {
			logger.ErrorContext(r.Context(), "broadcast.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	}
}
