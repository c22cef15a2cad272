package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
	"github.com/kirillkom/insurance-faq-rag/internal/infrastructure/resilience"
)

// OperationGenerate names generation calls in the resilience executor.
const OperationGenerate = "ollama.generate"

type Options struct {
	GenModel     string
	EmbedModel   string
	GenTimeout   time.Duration
	EmbedTimeout time.Duration

	// QueryPrefix and PassagePrefix select the asymmetric E5 encoding modes.
	QueryPrefix        string
	PassagePrefix      string
	ResilienceExecutor *resilience.Executor
}

type Client struct {
	baseURL      string
	genModel     string
	embedModel   string
	genTimeout   time.Duration
	embedTimeout time.Duration
	httpClient   *http.Client
	executor     *resilience.Executor
}

func New(baseURL string, opts Options) *Client {
	genTimeout := opts.GenTimeout
	if genTimeout <= 0 {
		genTimeout = 60 * time.Second
	}
	embedTimeout := opts.EmbedTimeout
	if embedTimeout <= 0 {
		embedTimeout = 15 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		genModel:     opts.GenModel,
		embedModel:   opts.EmbedModel,
		genTimeout:   genTimeout,
		embedTimeout: embedTimeout,
		httpClient:   &http.Client{},
		executor:     opts.ResilienceExecutor,
	}
}

// Embedder is the embedding gateway. Queries and passages share a model but not a prefix.
type Embedder struct {
	client        *Client
	queryPrefix   string
	passagePrefix string
}

func NewEmbedder(client *Client, queryPrefix, passagePrefix string) *Embedder {
	return &Embedder{client: client, queryPrefix: queryPrefix, passagePrefix: passagePrefix}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = e.passagePrefix + t
	}
	vectors, err := e.client.embed(ctx, input, "embed_passages")
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("ollama embed: expected %d vectors, got %d", len(texts), len(vectors))
	}
	return vectors, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.client.embed(ctx, []string{e.queryPrefix + text}, "embed_query")
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

// Generator is the answer orchestrator backed by Ollama /api/generate.
type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) GenerateAnswer(
	ctx context.Context,
	question string,
	d domain.Domain,
	results []domain.RankedResult,
) (domain.Generation, error) {
	if len(results) == 0 {
		return domain.Generation{}, fmt.Errorf("generate answer: empty context")
	}
	text, err := g.client.generateText(ctx, buildAnswerPrompt(question, d, results))
	if err != nil {
		return domain.Generation{}, err
	}
	if text == "" {
		return domain.Generation{}, fmt.Errorf("generate answer: empty response")
	}
	return domain.Generation{
		Text:          stripCitationMarkers(text),
		CitedChunkIDs: parseCitations(text, results),
	}, nil
}

func (c *Client) embed(ctx context.Context, input []string, operation string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	request := map[string]any{
		"model": c.embedModel,
		"input": input,
	}
	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := c.execute(ctx, "ollama."+operation, func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/embed", request, &response, operation)
	})
	if err != nil {
		return nil, wrapTemporaryIfNeeded(operation, err)
	}
	return response.Embeddings, nil
}

func (c *Client) generateText(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.genTimeout)
	defer cancel()

	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": 0.1,
		},
	}
	var response struct {
		Response string `json:"response"`
	}
	err := c.execute(ctx, OperationGenerate, func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/generate", reqBody, &response, "generate")
	})
	if err != nil {
		return "", wrapTemporaryIfNeeded("generate", err)
	}
	return strings.TrimSpace(response.Response), nil
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor == nil {
		return fn(ctx)
	}
	return c.executor.Execute(ctx, operation, fn, classifyOllamaError)
}
