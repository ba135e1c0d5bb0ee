package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"protoedit/editcore/internal/config"
	"protoedit/editcore/internal/server"
	"protoedit/editcore/internal/store"
	"protoedit/editcore/internal/tls"

	"github.com/golang/glog"
)

func main() {
	defer glog.Flush()

	// Parse command line flags and get configuration
	cfg, err := config.ParseFlags()
	if err != nil {
		glog.Exitf("Error parsing configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// Set up the TLS certificate if needed
	if cfg.TLS.Enabled && cfg.TLS.GenerateCert {
		if err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hosts); err != nil {
			return fmt.Errorf("failed to set up TLS certificate: %w", err)
		}
	}

	location := cfg.Store.Path
	if cfg.Store.Backend == store.BackendPostgres {
		location = cfg.Store.DatabaseURL
	}
	st, err := store.Open(ctx, cfg.Store.Backend, location)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	defer st.Close()

	var relay server.Relay
	if cfg.Redis.Enabled {
		relay, err = server.NewRedisRelay(ctx, cfg.Redis)
		if err != nil {
			return err
		}
	}

	srv := server.New(cfg, st, relay)
	defer srv.Close()

	if cfg.Store.Watch {
		if err := srv.Watch(ctx); err != nil {
			return fmt.Errorf("failed to set up file watcher: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.SetupRoutes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("Storing documents in %s store at %s", cfg.Store.Backend, cfg.Store.Path)
	if cfg.TLS.Enabled {
		glog.Infof("Model service listening on https://%s", httpServer.Addr)
		glog.Infof("Using TLS certificate: %s", cfg.TLS.CertFile)
		err = httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		glog.Infof("Model service listening on http://%s", httpServer.Addr)
		err = httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		glog.Infof("Model service stopped")
		return nil
	}
	return err
}
