// Command gatewayd runs the local gateway: it loads the session store,
// starts every configured engine adapter, and serves the WebSocket protocol
// (§4.7) plus Prometheus metrics and a health endpoint on one HTTP server.
package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/adapter/httpstream"
	"github.com/codegateio/gateway/internal/adapter/mock"
	"github.com/codegateio/gateway/internal/adapter/stdio"
	"github.com/codegateio/gateway/internal/auth"
	"github.com/codegateio/gateway/internal/enginemanager"
	"github.com/codegateio/gateway/internal/gateway"
	"github.com/codegateio/gateway/internal/metrics"
	"github.com/codegateio/gateway/internal/model"
	"github.com/codegateio/gateway/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	wsPath        string
	dataDir       string
	logLevel      string
	enginesConfig string
	enableMock    bool
	jwtPublicKey  string
	jwtIssuer     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Gatewayd — local gateway unifying coding agent backends behind one WebSocket API",
		Long: `Gatewayd is a local process that speaks each coding agent CLI's native
protocol (stdio JSON-RPC or REST+SSE) and exposes a single, backend-agnostic
WebSocket API to front-end clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("GATEWAYD_HTTP_ADDR", ":7890"), "HTTP listen address for the WebSocket endpoint, /metrics, and /healthz")
	root.PersistentFlags().StringVar(&cfg.wsPath, "ws-path", envOrDefault("GATEWAYD_WS_PATH", "/ws"), "WebSocket handshake path")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("GATEWAYD_DATA_DIR", "./data"), "Directory under which session metadata is stored")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("GATEWAYD_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.enginesConfig, "engines-config", envOrDefault("GATEWAYD_ENGINES_CONFIG", ""), "Path to a JSON file describing the stdio/httpstream engines to start (optional)")
	root.PersistentFlags().BoolVar(&cfg.enableMock, "enable-mock", envOrDefault("GATEWAYD_ENABLE_MOCK", "false") == "true", "Register the in-memory mock engine alongside any configured real engines")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("GATEWAYD_JWT_PUBLIC_KEY", ""), "Path to an RSA public key PEM file; empty disables connection auth")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("GATEWAYD_JWT_ISSUER", ""), "Required token issuer claim (empty = not checked)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatewayd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting gatewayd",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("data_dir", cfg.dataDir),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Session Store ---
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	st := store.New(cfg.dataDir, sched, logger)
	if err := st.Load(); err != nil {
		return fmt.Errorf("failed to load session store: %w", err)
	}

	// --- 2. Engine Manager ---
	metricsReg := metrics.New()
	mgr := enginemanager.New(st, logger, metricsReg)

	ids := model.NewIDGenerator()
	engines, err := loadEngineConfigs(cfg.enginesConfig)
	if err != nil {
		return fmt.Errorf("failed to load engines config: %w", err)
	}
	if err := registerEngines(mgr, engines, ids, logger, metricsReg); err != nil {
		return fmt.Errorf("failed to register engines: %w", err)
	}
	if cfg.enableMock {
		mgr.RegisterAdapter(mock.New(ids, mgr.Emitter(mock.EngineType), logger))
	}

	mgr.LoadFromStore()
	go mgr.Run(ctx)
	mgr.StartAll(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()
		mgr.StopAll(stopCtx)
		if err := st.FlushAll(); err != nil {
			logger.Warn("session store final flush error", zap.Error(err))
		}
	}()

	// --- 3. Auth ---
	validator, err := buildValidator(cfg.jwtPublicKey, cfg.jwtIssuer)
	if err != nil {
		return fmt.Errorf("failed to build token validator: %w", err)
	}

	// --- 4. Gateway Server ---
	gwCfg := gateway.Config{Path: cfg.wsPath, Metrics: metricsReg}
	if validator != nil {
		// Assigned only when non-nil: storing a nil *auth.Validator directly
		// in the TokenValidator interface field would make it a non-nil
		// interface wrapping a nil pointer, breaking the "no validator"
		// auto-authenticate path in client.go's authenticate().
		gwCfg.Validator = validator
	}
	gw := gateway.New(gwCfg, mgr, logger)
	go gw.Run(ctx)

	// --- 5. Metrics + health ---
	httpMux := http.NewServeMux()
	httpMux.Handle(cfg.wsPath, gw.Handler())
	httpMux.Handle("/metrics", metricsReg.Handler())
	httpMux.Handle("/healthz", metrics.HealthHandler(func() map[string]string {
		return mgr.AdapterStatuses(context.Background())
	}))

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      httpMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down gatewayd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("gatewayd stopped")
	return nil
}

// engineConfigFile is the on-disk shape of --engines-config: a flat list of
// engines, each either stdio- or http-stream-backed. ArgsTemplate entries
// "{port}" and "{directory}" are substituted at process-spawn time for
// httpstream engines whose backend needs them on its command line.
type engineConfigFile struct {
	Engines []engineConfig `json:"engines"`
}

type engineConfig struct {
	Type             string   `json:"type"` // "stdio" | "httpstream"
	EngineType       string   `json:"engineType"`
	Command          string   `json:"command"`
	Args             []string `json:"args,omitempty"`
	ArgsTemplate     []string `json:"argsTemplate,omitempty"`
	PreferredPort    int      `json:"preferredPort,omitempty"`
	HealthPath       string   `json:"healthPath,omitempty"`
	ListeningPattern string   `json:"listeningPattern,omitempty"`
	DirectoryHeader  string   `json:"directoryHeader,omitempty"`
	EventPath        string   `json:"eventPath,omitempty"`
	AttachOnly       bool     `json:"attachOnly,omitempty"`
}

func loadEngineConfigs(path string) ([]engineConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f engineConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Engines, nil
}

func registerEngines(mgr *enginemanager.Manager, engines []engineConfig, ids *model.IDGenerator, logger *zap.Logger, metricsReg *metrics.Registry) error {
	for _, ec := range engines {
		if ec.EngineType == "" {
			return fmt.Errorf("engine config missing engineType")
		}
		switch ec.Type {
		case "stdio":
			mgr.RegisterAdapter(stdio.New(stdio.Config{
				EngineType: ec.EngineType,
				Command:    ec.Command,
				Args:       ec.Args,
				Metrics:    metricsReg,
			}, ids, mgr.Emitter(ec.EngineType), logger))

		case "httpstream":
			var proc httpstream.ProcessConfig
			if !ec.AttachOnly && ec.Command != "" {
				template := ec.ArgsTemplate
				proc = httpstream.ProcessConfig{
					Command:       ec.Command,
					PreferredPort: ec.PreferredPort,
					HealthPath:    ec.HealthPath,
					Args: func(port int, directory string) []string {
						return substituteArgs(template, port, directory)
					},
				}
				if ec.ListeningPattern != "" {
					re, err := regexp.Compile(ec.ListeningPattern)
					if err != nil {
						return fmt.Errorf("engine %s: bad listeningPattern: %w", ec.EngineType, err)
					}
					proc.ListeningPattern = re
				}
			} else {
				proc = httpstream.ProcessConfig{PreferredPort: ec.PreferredPort, HealthPath: ec.HealthPath}
			}

			mgr.RegisterAdapter(httpstream.New(httpstream.Config{
				EngineType:      ec.EngineType,
				Process:         proc,
				DirectoryHeader: ec.DirectoryHeader,
				EventPath:       ec.EventPath,
				Metrics:         metricsReg,
			}, ids, mgr.Emitter(ec.EngineType), logger))

		default:
			return fmt.Errorf("engine %s: unknown type %q (want \"stdio\" or \"httpstream\")", ec.EngineType, ec.Type)
		}
	}
	return nil
}

func substituteArgs(template []string, port int, directory string) []string {
	out := make([]string, len(template))
	for i, t := range template {
		t = strings.ReplaceAll(t, "{port}", fmt.Sprintf("%d", port))
		t = strings.ReplaceAll(t, "{directory}", directory)
		out[i] = t
	}
	return out
}

// buildValidator constructs the optional token validator from an RSA public
// key PEM file. An empty path means connections auto-authenticate (§4.7).
func buildValidator(publicKeyPath, issuer string) (*auth.Validator, error) {
	if publicKeyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", publicKeyPath)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", publicKeyPath, err)
	}
	return auth.NewValidator(pub, issuer), nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
