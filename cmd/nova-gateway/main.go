// ABOUTME: Entry point for the nova-gateway tool dispatch server
// ABOUTME: Subcommands: serve, init, bootstrap, health

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/nova-gateway/internal/api"
	"github.com/2389/nova-gateway/internal/auth"
	"github.com/2389/nova-gateway/internal/builtins"
	"github.com/2389/nova-gateway/internal/config"
	"github.com/2389/nova-gateway/internal/mcp"
	"github.com/2389/nova-gateway/internal/proxy"
	"github.com/2389/nova-gateway/internal/ratelimit"
	"github.com/2389/nova-gateway/internal/registry"
	"github.com/2389/nova-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _ __   _____   ____ _        __ _  __ _| |_ _____      ____ _ _   _
 | '_ \ / _ \ \ / / _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | | | (_) \ V / (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_| |_|\___/ \_/ \__,_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                              |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: NOVA_CONFIG env var > XDG_CONFIG_HOME/nova/gateway.yaml > ~/.config/nova/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("NOVA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "nova", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: nova-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a starter config file")
		fmt.Println("  bootstrap --name NAME  Create an API key (--list / --revoke ID manage keys, --admin ACCOUNT mints an admin token)")
		fmt.Println("  health                 Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// When stdio transport is on, stdout belongs to the protocol stream:
	// banner and logs go to stderr instead.
	logOut := os.Stdout
	if cfg.Server.StdioEnable {
		logOut = os.Stderr
	}
	logger := setupLogger(cfg.Logging, logOut)

	cyan := color.New(color.FgCyan)
	cyan.Fprint(logOut, banner)

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(logOut, "    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	green.Fprint(logOut, "    ▶ ")
	fmt.Fprintf(logOut, "Config:    %s\n", configPath)
	if cfg.Server.HTTPAddr != "" {
		green.Fprint(logOut, "    ▶ ")
		fmt.Fprintf(logOut, "HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Server.StdioEnable {
		green.Fprint(logOut, "    ▶ ")
		fmt.Fprintf(logOut, "Stdio:     enabled\n")
	}
	green.Fprint(logOut, "    ▶ ")
	fmt.Fprintf(logOut, "Database:  %s\n", cfg.Database.Path)
	fmt.Fprintln(logOut)

	logger.Info("starting nova-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"stdio", cfg.Server.StdioEnable,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	reg := registry.New(st, logger)

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, time.Minute, cfg.RateLimit.IdleTTL)
	defer limiter.Close()

	invoker := proxy.NewInvoker(logger,
		proxy.WithTimeout(cfg.Proxy.Timeout),
		proxy.WithAllowInsecure(cfg.Proxy.AllowInsecureEndpoints))

	var pack *builtins.Pack
	if cfg.Builtins.Enabled {
		pack = builtins.PublicDataPack(builtins.NewPublicDataClient(cfg.Builtins.BaseURL))
	}

	dispatcher := mcp.NewDispatcher(reg, pack, invoker, logger)
	apiKeys := auth.NewAPIKeyAuthenticator(cfg.Auth.APIKeys, st)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		mcpServer, err := mcp.NewServer(dispatcher, apiKeys, limiter, logger)
		if err != nil {
			return fmt.Errorf("creating protocol server: %w", err)
		}
		apiServer := api.NewServer(reg, limiter, st.DB(), logger)

		mux := http.NewServeMux()
		mcpServer.RegisterRoutes(mux)
		apiServer.RegisterRoutes(mux, auth.HTTPAuthMiddleware(apiKeys, verifier))

		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.Server.StdioEnable {
		stdio := mcp.NewStdioServer(dispatcher, limiter, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("stdio transport ready")
			if err := stdio.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("stdio transport: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}
	wg.Wait()
	return nil
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.Example()), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote starter config to %s\n", configPath)
	fmt.Println("Set NOVA_API_KEY (and optionally NOVA_JWT_SECRET) before starting the server.")
	return nil
}

func runBootstrap(ctx context.Context) error {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	name := fs.String("name", "", "name for the new API key")
	admin := fs.String("admin", "", "account id to mint an admin token for")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "admin token lifetime")
	list := fs.Bool("list", false, "list active API keys")
	revoke := fs.String("revoke", "", "id of an API key to revoke")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if *admin != "" {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must be configured to mint admin tokens")
		}
		token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*admin, auth.RoleAdmin, *ttl)
		if err != nil {
			return fmt.Errorf("minting admin token: %w", err)
		}
		fmt.Println("Admin token (store it now, it is not persisted):")
		fmt.Println(token)
		return nil
	}

	if *name == "" && !*list && *revoke == "" {
		return fmt.Errorf("one of --name, --admin, --list or --revoke is required")
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if *list {
		keys, err := st.ListAPIKeys(ctx)
		if err != nil {
			return fmt.Errorf("listing api keys: %w", err)
		}
		if len(keys) == 0 {
			fmt.Println("No active API keys.")
			return nil
		}
		for _, k := range keys {
			fmt.Printf("%s  %s  created %s\n", k.ID, k.Name, k.CreatedAt.Format(time.RFC3339))
		}
		return nil
	}

	if *revoke != "" {
		if err := st.RevokeAPIKey(ctx, *revoke); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no active API key with id %s", *revoke)
			}
			return fmt.Errorf("revoking api key: %w", err)
		}
		fmt.Printf("Revoked API key %s\n", *revoke)
		return nil
	}

	plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		return err
	}

	if err := st.CreateAPIKey(ctx, &store.APIKey{
		ID:        uuid.New().String(),
		Name:      *name,
		KeyHash:   hash,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("storing api key: %w", err)
	}

	fmt.Printf("API key %q (shown once, only the hash is stored):\n", *name)
	fmt.Println(plaintext)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not configured")
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/healthz", addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig, out *os.File) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = &colorHandler{
			level: level,
			out:   out,
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	out    *os.File
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(h.out, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		out:    h.out,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		out:    h.out,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
