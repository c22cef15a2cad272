package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/resilience"
)

const ingestQueueGroup = "faq-ingest-workers"

// Queue carries chunk batches to ingest workers and corpus-version broadcasts to
// every query process over one connection.
type Queue struct {
	conn          *nats.Conn
	ingestSubject string
	corpusSubject string
	executor      *resilience.Executor
}

type Options struct {
	IngestSubject        string
	CorpusSubject        string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

type corpusUpdatedEvent struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	ingestSubject := options.IngestSubject
	if ingestSubject == "" {
		ingestSubject = "faq.chunks.ingest"
	}
	corpusSubject := options.CorpusSubject
	if corpusSubject == "" {
		corpusSubject = "faq.corpus.updated"
	}

	conn, err := nats.Connect(
		url,
		nats.Name("insurance-faq-rag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		ingestSubject: ingestSubject,
		corpusSubject: corpusSubject,
		executor:      options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishChunks(ctx context.Context, chunks []domain.Chunk) error {
	payload, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("marshal chunk batch: %w", err)
	}
	return q.publish(ctx, q.ingestSubject, payload)
}

// SubscribeChunks blocks until ctx is done. Batches are load-balanced across workers.
func (q *Queue) SubscribeChunks(ctx context.Context, handler func(context.Context, []domain.Chunk) error) error {
	return q.subscribe(ctx, q.ingestSubject, ingestQueueGroup, func(handlerCtx context.Context, data []byte) error {
		chunks, err := decodeChunkBatch(data)
		if err != nil {
			return err
		}
		return handler(handlerCtx, chunks)
	})
}

func (q *Queue) PublishCorpusUpdated(ctx context.Context, version string) error {
	payload, err := json.Marshal(corpusUpdatedEvent{Version: version, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal corpus event: %w", err)
	}
	return q.publish(ctx, q.corpusSubject, payload)
}

// SubscribeCorpusUpdated blocks until ctx is done. Every subscriber receives every event.
func (q *Queue) SubscribeCorpusUpdated(ctx context.Context, handler func(context.Context, string) error) error {
	return q.subscribe(ctx, q.corpusSubject, "", func(handlerCtx context.Context, data []byte) error {
		version, err := decodeCorpusVersion(data)
		if err != nil {
			return err
		}
		return handler(handlerCtx, version)
	})
}

func decodeChunkBatch(data []byte) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("decode chunk batch: %w", err)
	}
	return chunks, nil
}

// decodeCorpusVersion accepts the JSON event or a bare version string.
func decodeCorpusVersion(data []byte) (string, error) {
	var event corpusUpdatedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		if raw := strings.TrimSpace(string(data)); raw != "" && !strings.HasPrefix(raw, "{") {
			return raw, nil
		}
		return "", fmt.Errorf("decode corpus event: %w", err)
	}
	if strings.TrimSpace(event.Version) == "" {
		return "", fmt.Errorf("decode corpus event: empty version")
	}
	return event.Version, nil
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(subject, err)
	}
	return nil
}

func (q *Queue) subscribe(ctx context.Context, subject, group string, handle func(context.Context, []byte) error) error {
	cb := func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handle(handlerCtx, msg.Data); err != nil {
			slog.Error("nats_handler_failed", "subject", subject, "bytes", len(msg.Data), "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = q.conn.QueueSubscribe(subject, group, cb)
	} else {
		sub, err = q.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
