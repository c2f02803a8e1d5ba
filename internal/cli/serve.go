package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/configdb/internal/api"
	"github.com/roach88/configdb/internal/config"
	"github.com/roach88/configdb/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the HTTP server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP bind address (overrides config)")
	return cmd
}

// loadServeConfig reads the config file and applies environment
// overrides. A .env file in the working directory is honored; variables
// use the CONFIGDB_ prefix (CONFIGDB_LISTEN, CONFIGDB_SCHEMA,
// CONFIGDB_BACKEND_TYPE, CONFIGDB_BACKEND_PATH, CONFIGDB_BACKEND_ROOT).
func loadServeConfig(path string) (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("configdb")
	v.AutomaticEnv()
	for env, target := range map[string]*string{
		"listen":       &cfg.Listen,
		"schema":       &cfg.SchemaFile,
		"backend_type": &cfg.Backend.Type,
		"backend_path": &cfg.Backend.Path,
		"backend_root": &cfg.Backend.Root,
	} {
		if s := v.GetString(env); s != "" {
			*target = s
		}
	}
	if eps := v.GetStringSlice("backend_endpoints"); len(eps) > 0 {
		cfg.Backend.Endpoints = eps
	}
	return cfg, nil
}

func runServe(opts *RootOptions, listen string) error {
	cfg, err := loadServeConfig(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading configuration", err)
	}
	if listen != "" {
		cfg.Listen = listen
	}

	sch, err := LoadSchema(cfg.SchemaFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading schema", err)
	}
	logger := slog.Default()
	db, err := OpenBackend(cfg, sch, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening backend", err)
	}
	defer db.Close()

	a := api.New(sch, db, logger)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(a, cfg.AuthEntity, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "backend", cfg.Backend.Type)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitCommandError, "shutdown failed", err)
		}
	}
	return nil
}
