package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"studyhub.dev/internal/app"
	"studyhub.dev/internal/config"
	"studyhub.dev/internal/grpcapi"
	"studyhub.dev/internal/httpapi"
	"studyhub.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("STUDYHUB_CONFIG"), "path to the YAML config file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		obs.Logger().Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.Log.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("assemble services: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}()

	proxies, err := cfg.HTTP.ProxyPrefixes()
	if err != nil {
		return err
	}
	api := httpapi.New(a.Auth, a.Sessions, httpapi.ReadyProbe{Store: a.Backend.Ready}, httpapi.Options{
		Version:        version,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateBurst:      cfg.HTTP.RateLimit.Burst,
		RatePerSecond:  cfg.HTTP.RateLimit.PerSecond,
		TrustedProxies: proxies,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()
	logger.Info("http listening",
		"addr", cfg.HTTP.Addr,
		"version", version,
		"store", cfg.Store.Driver,
		"logics", a.Auth.Logics().Names(),
	)

	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs, hs := grpcapi.NewServer(a.Auth, nil)
		grpcSrv = gs
		go grpcapi.WatchReadiness(ctx, hs, a.Backend.Ready, 15*time.Second)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
		logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
