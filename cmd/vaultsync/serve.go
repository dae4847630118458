package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/server"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	imports, err := server.NewImportManager(server.ImportManagerConfig{
		Store:           app.store,
		Resolver:        app.resolver(),
		Locker:          app.locker(),
		Dispatcher:      server.NewRunEventDispatcher(),
		IDProvider:      store.NewUUIDProvider(),
		DecisionTimeout: app.config.DecisionTimeout,
		Clock:           time.Now,
		Logger:          app.logger,
	})
	if err != nil {
		return err
	}
	defer imports.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          app.store,
		Imports:        imports,
		Resolver:       app.resolver(),
		Search:         app.searchOptions(),
		AllowedOrigins: app.config.CORSAllowedOrigins,
		Logger:         app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := newHTTPServer(app.config.HTTPAddress, handler, imports)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newHTTPServer builds the API server. Shutdown stops the import runs first so
// event streams of paused runs end instead of holding their connections open.
func newHTTPServer(address string, handler http.Handler, imports *server.ImportManager) *http.Server {
	httpServer := &http.Server{
		Addr:    address,
		Handler: handler,
	}
	httpServer.RegisterOnShutdown(imports.Close)
	return httpServer
}
