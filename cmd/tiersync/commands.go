package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/tiersync/internal/health"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the tenant and keep its tiers in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Load(ctx); err != nil {
		return fmt.Errorf("failed to load tenant: %w", err)
	}

	hcfg := &health.HealthCheckConfig{DataDir: e.dataDir}
	if e.disk != nil {
		hcfg.Disk = e.disk
	}
	hc := health.NewHealthChecker(hcfg, e, logger)
	go hc.Start(ctx)

	var ms *server.MetricsServer
	if cfg.Metrics.Enabled {
		ms = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			Gatherer:    e.registry,
		}, e, hc, logger)
		if err := ms.Start(); err != nil {
			return err
		}
	}

	logger.Info("Sync engine running",
		zap.String("tenant", cfg.Tenant.ID),
		zap.String("local_driver", cfg.Local.Driver),
		zap.String("cloud_driver", cfg.Cloud.Driver))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	hc.SetReadiness(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.ShutdownTimeout)
	defer cancel()

	if err := e.SyncNow(shutdownCtx); err != nil {
		logger.Error("Final sync failed", zap.Error(err))
	}
	if err := e.Unload(shutdownCtx); err != nil {
		logger.Error("Failed to unload tenant", zap.Error(err))
	}
	if ms != nil {
		if err := ms.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	return nil
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full flush across all tiers and print the resulting status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoaded(cmd.Context(), opts, func(ctx context.Context, e *engine) error {
				if err := e.SyncNow(ctx); err != nil {
					return err
				}
				return printStatus(ctx, cmd.OutOrStdout(), e)
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Load the tenant and print tier stamps and the dirty flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoaded(cmd.Context(), opts, func(ctx context.Context, e *engine) error {
				return printStatus(ctx, cmd.OutOrStdout(), e)
			})
		},
	}
}

func newPutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <type> <json>",
		Short: "Save an entity and flush it to every tier",
		Long: `Save an entity given as a JSON object of fields. An "id" member
updates that entity instead of creating a new one.

Example:
  tiersync put Account '{"name":"Checking"}'
  tiersync put Transaction '{"id":"Transaction-2024_3f2a9c1b7d4e","amount":12.5,"date":"2024-03-01T00:00:00Z"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := parseEntity(args[1])
			if err != nil {
				return err
			}
			return withLoaded(cmd.Context(), opts, func(ctx context.Context, e *engine) error {
				id, err := e.Data().Save(ctx, args[0], entity)
				if err != nil {
					return err
				}
				if err := e.SyncNow(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Print one entity as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoaded(cmd.Context(), opts, func(ctx context.Context, e *engine) error {
				entity, err := e.Data().MustGet(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), entity)
			})
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Tombstone an entity and flush the deletion to every tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoaded(cmd.Context(), opts, func(ctx context.Context, e *engine) error {
				if err := e.Data().Delete(ctx, args[0], args[1]); err != nil {
					return err
				}
				return e.SyncNow(ctx)
			})
		},
	}
}

// withLoaded builds and loads the engine, runs fn and unloads again
func withLoaded(ctx context.Context, opts *rootOptions, fn func(context.Context, *engine) error) error {
	e, err := buildEngine(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Load(ctx); err != nil {
		return fmt.Errorf("failed to load tenant: %w", err)
	}
	runErr := fn(ctx, e)

	unloadCtx, cancel := context.WithTimeout(context.Background(), opts.cfg.Sync.ShutdownTimeout)
	defer cancel()
	if err := e.Unload(unloadCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func parseEntity(raw string) (model.Entity, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return model.Entity{}, fmt.Errorf("entity must be a JSON object: %w", err)
	}
	var e model.Entity
	if id, ok := fields["id"].(string); ok {
		e.ID = id
		delete(fields, "id")
	}
	e.Fields = fields
	return e, nil
}

func printStatus(ctx context.Context, w io.Writer, e *engine) error {
	st, err := e.Status(ctx)
	if err != nil {
		return err
	}
	return writeJSON(w, st)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
