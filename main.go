package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"panelquery/internal/config"
	"panelquery/internal/index"
	"panelquery/internal/resource"
	"panelquery/internal/sqlq"
	"panelquery/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	listen     string
	indexPath  string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "panelquery",
		Short:         "Admin panel listing, search and filtering over a relational store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a TOML or YAML config file")
	root.PersistentFlags().StringVar(&flags.listen, "listen", "", "Override the listen address (e.g. :8080)")
	root.PersistentFlags().StringVar(&flags.indexPath, "index-path", "", "Override the index storage directory")

	root.AddCommand(newServeCommand(flags), newListCommand(flags))
	return root
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, closeApp, err := openApp(ctx, cfg, logger, cfg.MetricsEnabled())
			if err != nil {
				return err
			}
			defer closeApp()

			srv := &http.Server{
				Addr:              cfg.Server.Listen,
				Handler:           newAPIServer(a).routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("panelquery API listening", "listen", cfg.Server.Listen, "dialect", cfg.Database.Dialect, "indexPath", cfg.Paths.IndexDir, "resources", len(cfg.Resources))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server stopped", "error", err)
				return err
			}
			return nil
		},
	}
}

func newListCommand(flags *rootFlags) *cobra.Command {
	var (
		req    listingRequest
		search string
	)
	cmd := &cobra.Command{
		Use:   "list <resource>",
		Short: "Print one page of a resource listing as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

			a, closeApp, err := openApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer closeApp()

			req.Resource = args[0]
			if cmd.Flags().Changed("search") {
				req.Search = &search
			}
			result, err := a.list(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "Free-text search term")
	cmd.Flags().StringVar(&req.Filters, "filters", "", "Encoded filter state")
	cmd.Flags().StringVar(&req.OrderBy, "order-by", "", "Orderings such as title:asc,id:desc")
	cmd.Flags().StringVar(&req.Trashed, "trashed", "", "Soft-deleted rows: with or only")
	cmd.Flags().IntVar(&req.PerPage, "per-page", 0, "Page size (defaults to pagination.per_page)")
	cmd.Flags().IntVar(&req.Page, "page", 1, "Page number")
	cmd.Flags().StringVar(&req.ViaResource, "via-resource", "", "Parent resource of a relationship listing")
	cmd.Flags().StringVar(&req.ViaRelationship, "via-relationship", "", "Relation on the parent resource")
	cmd.Flags().StringVar(&req.ViaResourceID, "via-resource-id", "", "Key of the parent record")
	return cmd
}

func loadConfig(flags *rootFlags) (config.AppConfig, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	if flags.listen != "" {
		cfg.Server.Listen = flags.listen
	}
	if flags.indexPath != "" {
		cfg.Paths.IndexDir = flags.indexPath
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openApp connects the store, builds the catalog and opens every index.
func openApp(ctx context.Context, cfg config.AppConfig, logger *slog.Logger, metrics bool) (*app, func(), error) {
	dialect, err := sqlq.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return nil, nil, fmt.Errorf("database dialect: %w", err)
	}
	db, err := store.Open(ctx, dialect, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}

	a, err := newApp(ctx, cfg, db, dialect, logger, metrics)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return a, func() {
		if err := a.catalog.Close(); err != nil {
			logger.Warn("failed to close indexes", "error", err)
		}
		_ = db.Close()
	}, nil
}

func newApp(ctx context.Context, cfg config.AppConfig, db sqlq.Executor, dialect sqlq.Dialect, logger *slog.Logger, metrics bool) (*app, error) {
	catalog, err := resource.NewCatalog(cfg.Resources, cfg.Search.MaxPrimaryKey, logger)
	if err != nil {
		return nil, fmt.Errorf("build resources: %w", err)
	}

	telemetry := newTelemetry(ctx, logger, metrics)

	k1, b := cfg.ToBM25()
	registry, err := index.NewRegistry(cfg.Paths.IndexDir, index.Defaults{
		Tokenizer: cfg.IndexDefaults.Tokenizer,
		BM25:      index.BM25Parameters{K1: k1, B: b},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize index registry: %w", err)
	}
	err = catalog.AttachIndexes(registry, index.EngineConfig{
		FlushThresholds: index.FlushThresholds{
			MaxDocuments: cfg.IndexDefaults.FlushMaxDocs,
			MaxPostings:  cfg.IndexDefaults.FlushMaxPosts,
		},
		MergeThreshold: cfg.IndexDefaults.MergeThreshold,
		Logger:         logger,
		Observer:       telemetry,
	})
	if err != nil {
		_ = catalog.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		db:        db,
		dialect:   dialect,
		catalog:   catalog,
		telemetry: telemetry,
		logger:    logger,
	}, nil
}
