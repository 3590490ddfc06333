package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/RuntimeRacer/KoboldAI-united/internal/checkpoint"
	"github.com/RuntimeRacer/KoboldAI-united/internal/config"
	"github.com/RuntimeRacer/KoboldAI-united/internal/httpapi"
	"github.com/RuntimeRacer/KoboldAI-united/internal/manager"
	"github.com/RuntimeRacer/KoboldAI-united/internal/registry"
)

const defaultHubURL = "https://huggingface.co"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "koboldd",
		Short:         "Text generation server with checkpoint loading and device placement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a yaml/toml/json config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// A .env next to the binary seeds the environment; absence is fine.
			_ = godotenv.Load()
			log := newLogger(logLevel)
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serveHTTP(cfg, log)
		},
	}
	root.AddCommand(serve)
	return root
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		path = os.Getenv("KOBOLDD_CONFIG")
	}
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		def := config.Default()
		if cfg.Addr == "" {
			cfg.Addr = def.Addr
		}
		if cfg.ModelsDir == "" {
			cfg.ModelsDir = def.ModelsDir
		}
		if cfg.CacheDir == "" {
			cfg.CacheDir = def.CacheDir
		}
		return cfg, nil
	}
	cfg := config.Default()
	if v := os.Getenv("KOBOLDD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("KOBOLDD_MODELS_DIR"); v != "" {
		cfg.ModelsDir = v
	}
	return cfg, nil
}

func serveHTTP(cfg config.Config, log zerolog.Logger) error {
	reg, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("scan models dir: %w", err)
	}
	log.Info().Int("models", len(reg)).Str("dir", cfg.ModelsDir).Msg("registry loaded")

	fetcher := checkpoint.NewHubFetcher(defaultHubURL, cfg.CacheDir)
	fetcher.Token = os.Getenv("KOBOLDD_HUB_TOKEN")
	fetcher.Log = log
	resolver := &checkpoint.Resolver{
		ModelsDir: cfg.ModelsDir,
		Fetcher:   fetcher,
		Log:       log,
	}
	mgr := manager.New(manager.ManagerConfig{
		Cfg:      cfg,
		Registry: reg,
		Resolver: resolver,
		Log:      log,
	})

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	mux := httpapi.NewMux(mgr, httpapi.Options{Log: log})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("koboldd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	// Cancel in-flight generations, then drain the HTTP server.
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	return nil
}
