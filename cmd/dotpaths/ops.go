package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/dotpaths/internal/config"
	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/migrate"
	"github.com/agentworkforce/dotpaths/internal/objects"
)

func newExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Delete pending uploads older than the pending timeout",
		Args:  cobra.NoArgs,
		RunE: withApp("expire", func(ctx context.Context, a *app, _ []string) error {
			cleanup := dotpaths.NewCleanupScheduler(a.store, a.cfg.CleanupOptions(nil))
			result, err := cleanup.Expire(ctx, a.cfg.Cleanup.Key)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, result)
		}),
	}
}

func newPurgeCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:       "purge <collection>",
		Short:     "Delete every document in one collection",
		Args:      cobra.ExactArgs(1),
		ValidArgs: dotpaths.Collections,
		RunE: withApp("purge", func(ctx context.Context, a *app, args []string) error {
			cleanup := dotpaths.NewCleanupScheduler(a.store, a.cfg.CleanupOptions(nil))
			deleted, err := cleanup.PurgeCollection(ctx, args[0], batchSize)
			if err != nil {
				return err
			}
			if args[0] == dotpaths.CollectionUploads {
				if err := reconcileCounter(ctx, a); err != nil {
					return err
				}
			}
			return printJSON(os.Stdout, map[string]any{"collection": args[0], "deleted": deleted})
		}),
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "documents per delete batch (default from config)")
	return cmd
}

func newResetCmd() *cobra.Command {
	var withObjects bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear uploads, dot paths and the change log",
		Args:  cobra.NoArgs,
		RunE: withApp("reset", func(ctx context.Context, a *app, _ []string) error {
			var purger dotpaths.ObjectPurger
			if withObjects {
				p, err := openObjects(ctx, a.cfg)
				if err != nil {
					return err
				}
				if p == nil {
					return fmt.Errorf("--objects requires objects.bucket")
				}
				defer p.Close()
				purger = p
			}
			cleanup := dotpaths.NewCleanupScheduler(a.store, a.cfg.CleanupOptions(purger))
			uploads, err := cleanup.ResetUploads(ctx, a.cfg.Objects.Prefix)
			if err != nil {
				return err
			}
			paths, err := cleanup.ResetPaths(ctx)
			if err != nil {
				return err
			}
			if err := reconcileCounter(ctx, a); err != nil {
				return err
			}
			return printJSON(os.Stdout, dotpaths.ResetResult{
				Uploads: uploads.Uploads,
				Objects: uploads.Objects,
				Paths:   paths.Paths,
				Changes: paths.Changes,
			})
		}),
	}
	cmd.Flags().BoolVar(&withObjects, "objects", false, "also delete each upload's stored objects")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert legacy path documents to the current schema",
		Args:  cobra.NoArgs,
		RunE: withApp("migrate", func(ctx context.Context, a *app, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			m, err := migrate.New(migrate.Options{RecentWindow: a.cfg.Paths.RecentWindow})
			if err != nil {
				return err
			}
			res, err := m.Convert(data)
			if err != nil {
				return err
			}
			written := 0
			if !dryRun {
				written, err = m.Apply(ctx, a.store, res)
				if err != nil {
					return err
				}
			}
			return printJSON(os.Stdout, map[string]any{
				"shape":   res.Shape.String(),
				"dots":    len(res.Paths),
				"latest":  res.Latest.Dot,
				"written": written,
				"dryRun":  dryRun,
			})
		}),
	}
	cmd.Flags().StringVar(&file, "file", "", "legacy JSON document")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and convert without writing")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCodesCmd() *cobra.Command {
	codesCmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage the code to dot table",
	}
	codesCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Load a code file into the store",
		Args:  cobra.ExactArgs(1),
		RunE: withApp("codes", func(ctx context.Context, a *app, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			codes, err := dotpaths.ParseCodeFile(data)
			if err != nil {
				return err
			}
			if err := a.store.PutCodes(ctx, codes); err != nil {
				return err
			}
			a.log.Info().Int("codes", len(codes)).Str("file", args[0]).Msg("codes imported")
			return printJSON(os.Stdout, map[string]int{"imported": len(codes)})
		}),
	})
	return codesCmd
}

func newCounterCmd() *cobra.Command {
	counterCmd := &cobra.Command{
		Use:   "counter",
		Short: "Manage the DONE upload counter",
	}
	counterCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Provision the counter document",
		Args:  cobra.NoArgs,
		RunE: withApp("counter", func(ctx context.Context, a *app, _ []string) error {
			created, err := a.counter.Provision(ctx)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]any{"counter": a.counter.Name(), "created": created})
		}),
	})
	counterCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Recount DONE uploads into the counter",
		Args:  cobra.NoArgs,
		RunE: withApp("counter", func(ctx context.Context, a *app, _ []string) error {
			value, err := a.counter.Reconcile(ctx, a.store)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, map[string]any{"counter": a.counter.Name(), "value": value})
		}),
	})
	return counterCmd
}

// reconcileCounter recounts after bulk deletes that bypass change events.
func reconcileCounter(ctx context.Context, a *app) error {
	if _, err := a.counter.Provision(ctx); err != nil {
		return err
	}
	_, err := a.counter.Reconcile(ctx, a.store)
	return err
}

// openObjects returns nil when no bucket is configured.
func openObjects(ctx context.Context, cfg *config.Config) (*objects.GCSPurger, error) {
	if cfg.Objects.Bucket == "" {
		return nil, nil
	}
	return objects.NewGCSPurger(ctx, objects.GCSOptions{
		Bucket:      cfg.Objects.Bucket,
		Endpoint:    cfg.Objects.Endpoint,
		WithoutAuth: cfg.Objects.WithoutAuth,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
