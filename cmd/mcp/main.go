package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcpadapter "github.com/kirillkom/insurance-faq-rag/internal/adapters/mcp"
	"github.com/kirillkom/insurance-faq-rag/internal/bootstrap"
	"github.com/kirillkom/insurance-faq-rag/internal/config"
	"github.com/kirillkom/insurance-faq-rag/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	// stdout carries the protocol stream.
	slog.SetDefault(logging.NewJSONLoggerTo(os.Stderr, "faq-mcp", cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	go func() {
		if err := app.Events.SubscribeCorpusUpdated(ctx, app.AnswerUC.ApplyCorpusVersion); err != nil {
			slog.Error("corpus_subscription_failed", "error", err)
		}
	}()

	if err := server.ServeStdio(mcpadapter.NewServer(app.AnswerUC)); err != nil {
		slog.Error("mcp_server_failed", "error", err)
	}
}
