package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tobert/sshwarma/internal/config"
	"github.com/tobert/sshwarma/internal/mcp"
	"github.com/tobert/sshwarma/internal/observability"
	"github.com/tobert/sshwarma/internal/room"
	"github.com/tobert/sshwarma/internal/rowlog"
	"github.com/tobert/sshwarma/internal/scripthost"
	"github.com/tobert/sshwarma/internal/session"
	"github.com/tobert/sshwarma/internal/streaming"
	"github.com/tobert/sshwarma/internal/streaming/providers"
	"github.com/tobert/sshwarma/internal/tools"
)

// server holds the wired core and the listener that feeds it
// connections. The SSH byte transport itself, terminal rendering, and
// user authentication all live ahead of this process boundary; the
// listener stands in for whatever accepts already-authenticated
// connections and hands each one a raw byte stream.
type server struct {
	logger     *slog.Logger
	cfg        *config.Config
	store      *room.Store
	rows       *rowlog.Log
	mcp        *mcp.Manager
	sessions   session.Deps
	metricsSrv *http.Server

	ln net.Listener
	wg sync.WaitGroup
}

func newServer(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*server, error) {
	store, err := room.Open(ctx, cfg.Room.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open room store: %w", err)
	}
	if err := ensureDefaultRoom(ctx, store, cfg.Room.DefaultRoom); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure default room: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	observability.NewTracerProvider("sshwarma")

	rows := rowlog.New(store.Rows(), logger)

	mcpManager := mcp.NewManager(logger)
	mcpManager.SetMetrics(metrics)
	for _, s := range cfg.MCP.Servers {
		if s.Command != "" {
			mcpManager.AddServer(ctx, &mcp.ServerConfig{
				ID:        s.Name,
				Name:      s.Name,
				Transport: mcp.TransportStdio,
				Command:   s.Command,
				Args:      s.Args,
				Env:       s.Env,
				Timeout:   s.Timeout,
			})
			continue
		}
		mcpManager.Add(ctx, s.Name, s.URL)
	}

	toolExecutor := scripthost.NewToolExecutor(logger)
	router := tools.NewRouter(logger, store, toolExecutor, mcpManager)
	router.SetMetrics(metrics)
	tools.RegisterDefaultBuiltins(router, store, rows)

	streamProviders, err := buildProviders(cfg.LLM)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build llm providers: %w", err)
	}
	pipeline := streaming.New(logger, store, rows, router, streamProviders)
	pipeline.SetMetrics(metrics)

	scriptDeps := scripthost.Deps{
		Store:        store,
		Rows:         rows,
		Tools:        router,
		Mcp:          mcpManager,
		Scripts:      room.ScriptStoreAdapter{Store: store},
		ScriptFSRoot: cfg.Scripts.FSRoot,
	}

	sessionDeps := session.Deps{
		Store:      store,
		Rows:       rows,
		Subscriber: rows,
		Pipeline:   pipeline,
		NewHost: func(si scripthost.SessionInfo) *scripthost.Host {
			return scripthost.NewHost(logger, scriptDeps, si)
		},
	}

	srv := &server{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		rows:     rows,
		mcp:      mcpManager,
		sessions: sessionDeps,
	}
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv.metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddress, Handler: mux}
		go func() {
			if err := srv.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}
	return srv, nil
}

func buildProviders(cfg config.LLMConfig) (map[string]streaming.Provider, error) {
	out := make(map[string]streaming.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		switch name {
		case "anthropic":
			provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       p.APIKey,
				BaseURL:      p.BaseURL,
				DefaultModel: p.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("anthropic provider: %w", err)
			}
			out[name] = provider
		case "openai":
			provider, err := providers.NewOpenAIProvider(p.APIKey, p.DefaultModel)
			if err != nil {
				return nil, fmt.Errorf("openai provider: %w", err)
			}
			out[name] = provider
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	return out, nil
}

func ensureDefaultRoom(ctx context.Context, store *room.Store, name string) error {
	if _, err := store.RoomByName(ctx, name); err == nil {
		return nil
	}
	_, err := store.CreateRoom(ctx, name, "the lobby")
	return err
}

// Serve accepts connections on addr until ctx is cancelled, running one
// Session Controller per connection.
func (s *server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("accepting connections", "address", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	s.wg.Wait()
	s.store.Close()
}

type connOutput struct {
	conn net.Conn
}

func (o connOutput) Write(data []byte) error {
	_, err := o.conn.Write(data)
	return err
}

// handleConn runs one connection's Session Controller. The first line is
// read as the user's display name, standing in for whatever identity the
// transport/auth layer hands the core.
func (s *server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	name, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "guest"
	}

	user, err := s.store.EnsureUser(ctx, name, name)
	if err != nil {
		s.logger.Error("ensure user failed", "user", name, "error", err)
		return
	}

	ctrl, err := session.New(ctx, s.logger, s.sessions, connOutput{conn: conn}, *user, s.cfg.Room.DefaultRoom)
	if err != nil {
		s.logger.Error("session start failed", "user", name, "error", err)
		return
	}
	defer ctrl.Close()

	for {
		// The line is passed through with its terminator: the input
		// module submits on the CR/LF byte itself.
		line, err := reader.ReadString('\n')
		if line != "" {
			if hErr := ctrl.HandleInput(ctx, []byte(line)); hErr != nil {
				s.logger.Warn("handle input failed", "user", name, "error", hErr)
			}
		}
		if err != nil {
			return
		}
	}
}
