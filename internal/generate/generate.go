// Package generate invokes the model in the two pipeline modes: structured
// (one request, parseable directives back) and streaming (interactive scan).
// Transient model errors are retried with exponential backoff; each attempt
// passes through the shared rate limiter first.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/kestrelhq/sentinel/internal/prompt"
)

const (
	// structuredTimeout bounds one structured-mode model call including
	// retries.
	structuredTimeout = 2 * time.Minute

	// documentTimeout bounds the secondary document-generation call.
	documentTimeout = 3 * time.Minute
)

// ErrEmptyResponse indicates the model returned no text at all.
var ErrEmptyResponse = errors.New("model returned empty response")

// StreamFunc receives incremental text chunks during a streaming call.
// Returning an error aborts the stream.
type StreamFunc func(ctx context.Context, chunk string) error

// Result is the outcome of one structured-mode invocation.
type Result struct {
	Text       string
	Structured *Structured
	Document   *GeneratedDocument

	InputTokens  int64
	OutputTokens int64
}

// GeneratedDocument is the output of the secondary document call.
type GeneratedDocument struct {
	Title   string
	Format  string
	Content string
}

// Invoker owns the model client configuration. Safe for concurrent use.
type Invoker struct {
	g         *genkit.Genkit
	modelName string
	logger    *slog.Logger
	retry     RetryConfig
	limiter   *rate.Limiter
}

// New creates an Invoker. A nil limiter disables proactive rate limiting;
// a zero retry config uses defaults.
func New(g *genkit.Genkit, modelName string, retry RetryConfig, limiter *rate.Limiter, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxRetries == 0 && retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}
	return &Invoker{
		g:         g,
		modelName: modelName,
		logger:    logger,
		retry:     retry,
		limiter:   limiter,
	}
}

// Complete runs one structured-mode request: model call, directive parse,
// and (when the model asked for one) the secondary document call. The
// document directive is stripped from the visible text before parsing.
func (inv *Invoker) Complete(ctx context.Context, req prompt.Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, structuredTimeout)
	defer cancel()

	resp, err := inv.generate(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}

	result := &Result{Text: text}
	if usage := resp.Usage; usage != nil {
		result.InputTokens = int64(usage.InputTokens)
		result.OutputTokens = int64(usage.OutputTokens)
	}

	visible, directive := ExtractDocumentDirective(text)
	result.Text = visible
	result.Structured = ParseStructured(visible, inv.logger)

	if directive != nil {
		doc, err := inv.generateDocument(ctx, directive)
		if err != nil {
			// Document generation is secondary; its failure does not
			// fail the trigger.
			inv.logger.Error("document generation failed",
				"title", directive.Title, "format", directive.Format, "error", err)
		} else {
			result.Document = doc
		}
	}

	return result, nil
}

// StreamResult is the outcome of one streaming invocation. Token counts
// are zero when the stream ended before the provider reported usage.
type StreamResult struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Stream runs one streaming-mode request, forwarding chunks to fn as they
// arrive. A model error after streaming began is appended to the visible
// text as an inline marker and forwarded, not returned: the accumulated
// text stays usable for store-back. Context cancellation is returned as-is
// so the caller can abandon the request.
func (inv *Invoker) Stream(ctx context.Context, req prompt.Request, fn StreamFunc) (StreamResult, error) {
	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			return StreamResult{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var accumulated strings.Builder
	var forwardErr error
	callback := func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
		text := chunk.Text()
		accumulated.WriteString(text)
		if err := fn(cbCtx, text); err != nil {
			forwardErr = err
			return err
		}
		return nil
	}

	resp, err := inv.generateOnce(ctx, req, callback)
	switch {
	case forwardErr != nil:
		// The caller aborted the stream (client disconnect).
		return StreamResult{Text: accumulated.String()}, forwardErr
	case ctx.Err() != nil:
		return StreamResult{Text: accumulated.String()}, ctx.Err()
	case err != nil:
		marker := fmt.Sprintf("\n[generation error: %v]", err)
		accumulated.WriteString(marker)
		if fnErr := fn(ctx, marker); fnErr != nil {
			return StreamResult{Text: accumulated.String()}, fnErr
		}
		inv.logger.Error("stream terminated by model error", "error", err)
		return StreamResult{Text: accumulated.String()}, nil
	}

	// Some providers deliver a final segment only in the response.
	full := resp.Text()
	if len(full) > accumulated.Len() {
		tail := full[accumulated.Len():]
		accumulated.WriteString(tail)
		if fnErr := fn(ctx, tail); fnErr != nil {
			return StreamResult{Text: accumulated.String()}, fnErr
		}
	}

	result := StreamResult{Text: accumulated.String()}
	if usage := resp.Usage; usage != nil {
		result.InputTokens = int64(usage.InputTokens)
		result.OutputTokens = int64(usage.OutputTokens)
	}
	return result, nil
}

// generate is the retrying wrapper around generateOnce, structured mode only
// (a partially-streamed response cannot be replayed).
func (inv *Invoker) generate(ctx context.Context, req prompt.Request, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var lastErr error
	delay := inv.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= inv.retry.MaxRetries; attempt++ {
		if inv.limiter != nil {
			if err := inv.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := inv.generateOnce(ctx, req, cb)
		if err == nil {
			inv.logger.Debug("generation succeeded",
				"attempts", attempt+1, "elapsed", time.Since(start))
			return resp, nil
		}

		lastErr = err
		if !retryableError(err) {
			return nil, fmt.Errorf("generate: %w", err)
		}
		if attempt == inv.retry.MaxRetries {
			break
		}

		inv.logger.Debug("retrying after transient model error",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, inv.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generate after %d retries (elapsed %v): %w",
		inv.retry.MaxRetries, time.Since(start), lastErr)
}

func (inv *Invoker) generateOnce(ctx context.Context, req prompt.Request, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	messages := make([]*ai.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Role == "model" {
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(m.Content)))
		} else {
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		}
	}
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(userTurn(req))))

	opts := []ai.GenerateOption{
		ai.WithSystem(req.System),
		ai.WithMessages(messages...),
	}
	if inv.modelName != "" {
		opts = append(opts, ai.WithModelName(inv.modelName))
	}
	if cb != nil {
		opts = append(opts, ai.WithStreaming(cb))
	}

	return genkit.Generate(ctx, inv.g, opts...)
}

// userTurn joins the retrieved context blocks and the current input into the
// final user message.
func userTurn(req prompt.Request) string {
	contexts := req.ContextBlock()
	if contexts == "" {
		return req.Input
	}
	return "Retrieved context:\n\n" + contexts + "\n\n" + req.Input
}

var documentPrompt = `Produce the full content of a document.

Title: %s
Target format: %s
Outline: %s

Write the complete document body as plain structured text (headings, lists, tables as appropriate for the format). Return only the document content, no commentary.`

func (inv *Invoker) generateDocument(ctx context.Context, d *DocumentDirective) (*GeneratedDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, documentTimeout)
	defer cancel()

	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	opts := []ai.GenerateOption{
		ai.WithPrompt(documentPrompt, d.Title, d.Format, d.Outline),
	}
	if inv.modelName != "" {
		opts = append(opts, ai.WithModelName(inv.modelName))
	}

	resp, err := genkit.Generate(ctx, inv.g, opts...)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(resp.Text())
	if content == "" {
		return nil, ErrEmptyResponse
	}
	return &GeneratedDocument{Title: d.Title, Format: d.Format, Content: content}, nil
}
