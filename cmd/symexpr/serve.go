package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lemonberrylabs/symexpr/pkg/api"
	grpcapi "github.com/lemonberrylabs/symexpr/pkg/api/grpc"
	"github.com/lemonberrylabs/symexpr/pkg/config"
	"github.com/lemonberrylabs/symexpr/pkg/store"
)

type serveFlags struct {
	configFile     string
	envFile        string
	port           int
	grpcPort       int
	host           string
	db             string
	expressionsDir string
	workers        int
}

func (c *cli) newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and gRPC evaluation servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.resolve(cmd)
			if err != nil {
				return err
			}
			return c.serve(cfg)
		},
	}
	cmd.Flags().StringVar(&f.configFile, "config", "", "YAML configuration file")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "Environment file loaded before reading the environment")
	cmd.Flags().IntVar(&f.port, "port", 0, "HTTP server port (default 8787, env PORT)")
	cmd.Flags().IntVar(&f.grpcPort, "grpc-port", 0, "gRPC server port (default 8788, env GRPC_PORT)")
	cmd.Flags().StringVar(&f.host, "host", "", "Bind address (default 0.0.0.0, env HOST)")
	cmd.Flags().StringVar(&f.db, "db", "", "SQLite database file; in-memory when unset (env SYMEXPR_DB)")
	cmd.Flags().StringVar(&f.expressionsDir, "expressions-dir", "", "Directory of expression documents to watch (env EXPRESSIONS_DIR)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Batch evaluation workers (default GOMAXPROCS, env WORKERS)")
	return cmd
}

// resolve layers changed flags over the file and environment configuration.
func (f *serveFlags) resolve(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = f.port
	}
	if flags.Changed("grpc-port") {
		cfg.GRPCPort = f.grpcPort
	}
	if flags.Changed("host") {
		cfg.Host = f.host
	}
	if flags.Changed("db") {
		cfg.DBPath = f.db
	}
	if flags.Changed("expressions-dir") {
		cfg.ExpressionsDir = f.expressionsDir
	}
	if flags.Changed("workers") {
		cfg.Workers = f.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) serve(cfg *config.Config) error {
	if !c.verbose {
		level, err := cfg.Level()
		if err != nil {
			return err
		}
		logger, err := newLogger(level)
		if err != nil {
			return err
		}
		c.logger = logger
	}
	logger := c.logger
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	// The process-wide store lives until exit.
	s, err := store.Init(cfg.DBPath)
	if err != nil {
		return err
	}

	server := api.New(s, api.WithLogger(logger), api.WithWorkers(cfg.Workers))

	if cfg.ExpressionsDir != "" {
		if err := server.WatchDir(cfg.ExpressionsDir); err != nil {
			logger.Warn("Failed to watch expressions directory", zap.String("dir", cfg.ExpressionsDir), zap.Error(err))
		}
	}

	grpcServer := grpcapi.New(s, grpcapi.WithLogger(logger))
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(cfg.GRPCAddr()); err != nil {
			logger.Fatal("gRPC server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutting down")
		grpcServer.GracefulStop()
		if err := server.Shutdown(); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	}()

	storage := "memory"
	if cfg.DBPath != "" {
		storage = cfg.DBPath
	}
	logger.Info("symexpr listening",
		zap.String("addr", cfg.Addr()),
		zap.String("store", storage),
		zap.String("version", version),
	)
	return server.Listen(cfg.Addr())
}
