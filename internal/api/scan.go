package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrelhq/sentinel/internal/generate"
	"github.com/kestrelhq/sentinel/internal/prompt"
	"github.com/kestrelhq/sentinel/internal/retrieval"
)

const (
	// maxScanBodyBytes caps the scan request body.
	maxScanBodyBytes = 64 * 1024

	// maxScanHistory is the most history entries accepted from the client;
	// the assembler trims further if needed.
	maxScanHistory = 10

	// scanContextPerCollection is the vector top-k per collection for scans.
	scanContextPerCollection = 8
)

// Retriever is the retrieval dependency of the scan endpoint.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) []retrieval.Context
}

// Streamer is the streaming-generation dependency.
type Streamer interface {
	Stream(ctx context.Context, req prompt.Request, fn generate.StreamFunc) (generate.StreamResult, error)
}

// Auditor records a completed scan for future retrieval. Asynchronous and
// best-effort.
type Auditor interface {
	AuditScan(query, answer string)
}

// scanHandler serves POST /api/v1/scan: interactive questions over the
// accumulated knowledge, answered as an SSE stream.
type scanHandler struct {
	retriever Retriever
	streamer  Streamer
	auditor   Auditor
	logger    *slog.Logger

	tokenBudget    int
	contextCeiling int
	now            func() time.Time
}

// scanRequest is the client payload. History is client-held; the server
// keeps no conversation state.
type scanRequest struct {
	Query   string           `json:"query"`
	Contact string           `json:"contact,omitempty"`
	History []prompt.Message `json:"history,omitempty"`
}

// scanDoneData is the payload of the final "done" event.
type scanDoneData struct {
	Response     string `json:"response"`
	ContextsUsed int    `json:"contexts_used"`
	DurationMS   int64  `json:"duration_ms"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

type scanErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *scanHandler) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported by response writer")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxScanBodyBytes)
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeSSEError(w, flusher, "body_too_large", "request body exceeds limit")
			return
		}
		h.writeSSEError(w, flusher, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Query == "" {
		h.writeSSEError(w, flusher, "missing_query", "query is required")
		return
	}
	if len(req.History) > maxScanHistory {
		req.History = req.History[len(req.History)-maxScanHistory:]
	}

	ctx := r.Context()
	start := h.now()
	h.logger.Info("scan started",
		"request_id", requestIDFromContext(ctx), "query_len", len(req.Query))

	// Retrieval degrades to empty on store trouble; the scan still answers
	// from the model's general knowledge.
	contexts := h.retriever.Retrieve(ctx, retrieval.Query{
		Text:        req.Query,
		ContactHint: req.Contact,
		TopK:        scanContextPerCollection,
		TokenBudget: h.tokenBudget,
	})

	input := fmt.Sprintf("Current time: %s\n\n%s",
		start.UTC().Format(time.RFC3339), req.Query)
	promptReq := prompt.Assemble(prompt.ModeScan, contexts, req.History, input, h.contextCeiling)

	result, err := h.streamer.Stream(ctx, promptReq, func(_ context.Context, chunk string) error {
		if chunk == "" {
			return nil
		}
		return h.writeSSEText(w, flusher, chunk)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; nothing left to write and no audit owed.
			h.logger.Info("scan client disconnected",
				"request_id", requestIDFromContext(ctx))
			return
		}
		h.logger.Error("scan stream failed", "error", err,
			"request_id", requestIDFromContext(ctx))
		h.writeSSEError(w, flusher, "stream_error", "generation failed")
		return
	}

	elapsed := time.Since(start)
	h.writeSSEDone(w, flusher, scanDoneData{
		Response:     result.Text,
		ContextsUsed: len(contexts),
		DurationMS:   elapsed.Milliseconds(),
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	})

	if h.auditor != nil {
		h.auditor.AuditScan(req.Query, result.Text)
	}
	h.logger.Info("scan completed",
		"request_id", requestIDFromContext(ctx),
		"contexts", len(contexts), "duration", elapsed)
}

func (h *scanHandler) writeSSEText(w http.ResponseWriter, flusher http.Flusher, text string) error {
	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshaling chunk: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: text\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}
	flusher.Flush()
	return nil
}

func (h *scanHandler) writeSSEDone(w http.ResponseWriter, flusher http.Flusher, done scanDoneData) {
	data, _ := json.Marshal(done)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
	flusher.Flush()
}

func (h *scanHandler) writeSSEError(w http.ResponseWriter, flusher http.Flusher, code, message string) {
	data, _ := json.Marshal(scanErrorData{Code: code, Message: message})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
