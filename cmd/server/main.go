// Command server runs the OCR translation HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ocrtsl "github.com/Crivella/ocr-translate-sub000"
	"github.com/Crivella/ocr-translate-sub000/internal/config"
	"github.com/Crivella/ocr-translate-sub000/pkg/apiServer"
	"github.com/Crivella/ocr-translate-sub000/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(logging.Level(cfg.LogLevel), cfg.LogFile)
	if err != nil {
		slog.Error("setting up logging", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	srv, err := ocrtsl.New(ocrtsl.Config{
		BasePath:            cfg.BasePath,
		DBPath:              cfg.DBPath,
		DataDir:             cfg.DataDir,
		Device:              cfg.Device,
		AllowDownloads:      cfg.AllowDownloads,
		MainWorkers:         cfg.MainWorkers,
		BoxWorkers:          cfg.BoxWorkers,
		OCRWorkers:          cfg.OCRWorkers,
		TSLWorkers:          cfg.TSLWorkers,
		TSLBatchTimeout:     cfg.TSLBatchTimeout(),
		AutocreateLanguages: cfg.AutocreateLanguages,
		AutocreateModels:    cfg.AutocreateModels,
		LoadOnStart:         cfg.LoadOnStart,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("invalid server configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Error("starting server", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiServer.New(srv, apiServer.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := srv.Close(); err != nil {
		logger.Error("closing server", "error", err)
		os.Exit(1)
	}
}
