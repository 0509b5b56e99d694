package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/csSone/LlamacppServer/internal/config"
	"github.com/csSone/LlamacppServer/internal/db"
	"github.com/csSone/LlamacppServer/internal/httpapi"
	"github.com/csSone/LlamacppServer/internal/logger"
	"github.com/csSone/LlamacppServer/internal/store/completion"
	"github.com/csSone/LlamacppServer/internal/tools"
)

func main() {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel)

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	if err := completion.NewRepo(gdb).AutoMigrate(); err != nil {
		log.Error("db migrate", "err", err)
		os.Exit(1)
	}

	reg := tools.NewRegistry(cfg.ToolTimeout, log)
	tools.RegisterBuiltins(reg, cfg.SearxngURL, nil)

	r, err := httpapi.NewRouter(gdb, cfg, reg, log)
	if err != nil {
		log.Error("router", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("server started", "addr", cfg.HTTPAddr, "llama", cfg.LlamaBaseURL, "tools", len(reg.Definitions()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", "err", err)
	}
}
