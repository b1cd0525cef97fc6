package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/dotpaths/internal/config"
	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/httpapi"
	"github.com/agentworkforce/dotpaths/internal/trigger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: withApp("serve", func(ctx context.Context, a *app, _ []string) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		}),
	}
}

// service is the wired engine behind the HTTP server.
type service struct {
	handler    http.Handler
	dispatcher *trigger.Dispatcher
	closers    []func() error
}

func (s *service) Close() error {
	var errs []error
	if err := s.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildService wires the engine components over base. With the change feed on,
// upload writes go through the observed store so the counter follows them and
// platform change events are ignored. With it off, only those events count.
func buildService(ctx context.Context, cfg *config.Config, base dotpaths.Store) (*service, error) {
	queue, err := trigger.BuildQueueFromDSN(cfg.Trigger.QueueDSN, cfg.Trigger.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("build trigger queue: %w", err)
	}
	svc := &service{dispatcher: trigger.NewDispatcher(cfg.DispatcherOptions(queue))}
	fail := func(err error) (*service, error) {
		_ = svc.Close()
		return nil, err
	}

	var uploads dotpaths.Store = base
	if cfg.Trigger.ChangeFeed {
		uploads = trigger.ObserveUploads(base, svc.dispatcher)
	}
	counter := dotpaths.NewCounterMaintainer(base, cfg.Store.CounterName, nil)
	if _, err := counter.Provision(ctx); err != nil {
		return fail(fmt.Errorf("provision counter: %w", err))
	}

	var codes dotpaths.CodeResolver = dotpaths.NewStoreCodeResolver(base)
	if cfg.Codes.File != "" {
		fileCodes, err := dotpaths.NewFileCodeResolver(cfg.Codes.File, nil)
		if err != nil {
			return fail(err)
		}
		svc.closers = append(svc.closers, fileCodes.Close)
		if cfg.Codes.Watch {
			if err := fileCodes.Watch(); err != nil {
				return fail(fmt.Errorf("watch code file: %w", err))
			}
		}
		codes = fileCodes
	}

	var purger dotpaths.ObjectPurger
	gcs, err := openObjects(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("open object storage: %w", err))
	}
	if gcs != nil {
		svc.closers = append(svc.closers, gcs.Close)
		purger = gcs
	}

	paths := dotpaths.NewPathAggregator(uploads, cfg.PathOptions())
	verifier := dotpaths.NewUploadVerifier(uploads, codes, paths, dotpaths.NewFallbackSynthesizer(cfg.FallbackOptions()), nil)
	cleanup := dotpaths.NewCleanupScheduler(uploads, cfg.CleanupOptions(purger))

	svc.dispatcher.Handle(trigger.KindObjectFinalized, trigger.FinalizeHandler(verifier))
	svc.dispatcher.Handle(trigger.KindUploadWritten, trigger.CounterHandler(counter))
	svc.dispatcher.Start()

	svc.handler = httpapi.NewServer(httpapi.Deps{
		Store:      uploads,
		Codes:      codes,
		Verifier:   verifier,
		Paths:      paths,
		Counter:    counter,
		Cleanup:    cleanup,
		Dispatcher: svc.dispatcher,
	}, cfg.HTTPOptions())
	return svc, nil
}

func serve(ctx context.Context, a *app) error {
	svc, err := buildService(ctx, a.cfg, a.store)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			a.log.Warn().Err(err).Msg("shutdown")
		}
	}()

	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      svc.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Str("store", a.cfg.Store.DSN).Msg("dotpaths listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
