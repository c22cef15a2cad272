package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/insurance-faq-rag/internal/adapters/http"
	"github.com/kirillkom/insurance-faq-rag/internal/bootstrap"
	"github.com/kirillkom/insurance-faq-rag/internal/config"
	"github.com/kirillkom/insurance-faq-rag/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("faq-api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router, err := httpadapter.NewRouter(cfg, app.AnswerUC, app.IngestUC, app.HTTPMetrics)
	if err != nil {
		slog.Error("router_init_failed", "error", err)
		os.Exit(1)
	}
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.RequestTimeoutSecond+10) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		err := app.Events.SubscribeCorpusUpdated(ctx, func(handlerCtx context.Context, version string) error {
			if err := app.AnswerUC.ApplyCorpusVersion(handlerCtx, version); err != nil {
				return err
			}
			app.HTTPMetrics.RecordCorpusUpdate("faq-api")
			return nil
		})
		if err != nil {
			slog.Error("corpus_subscription_failed", "error", err)
		}
	}()

	if len(cfg.CacheWarmupQueries) > 0 {
		go app.AnswerUC.WarmUp(ctx, cfg.CacheWarmupQueries)
	}

	go func() {
		slog.Info("api_listening", "addr", server.Addr, "corpus_version", app.AnswerUC.CorpusVersion())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
