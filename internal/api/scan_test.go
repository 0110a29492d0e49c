package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/sentinel/internal/generate"
	"github.com/kestrelhq/sentinel/internal/log"
	"github.com/kestrelhq/sentinel/internal/prompt"
	"github.com/kestrelhq/sentinel/internal/retrieval"
	"github.com/kestrelhq/sentinel/internal/testutil"
)

type fakeRetriever struct {
	mu       sync.Mutex
	contexts []retrieval.Context
	lastQ    retrieval.Query
}

func (f *fakeRetriever) Retrieve(_ context.Context, q retrieval.Query) []retrieval.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	return f.contexts
}

func (f *fakeRetriever) lastQuery() retrieval.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQ
}

type fakeStreamer struct {
	mu      sync.Mutex
	chunks  []string
	usage   [2]int64 // input, output tokens reported with the result
	err     error
	lastReq prompt.Request
}

func (f *fakeStreamer) Stream(ctx context.Context, req prompt.Request, fn generate.StreamFunc) (generate.StreamResult, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.err != nil {
		return generate.StreamResult{}, f.err
	}
	var sb strings.Builder
	for _, c := range f.chunks {
		if err := fn(ctx, c); err != nil {
			return generate.StreamResult{}, err
		}
		sb.WriteString(c)
	}
	return generate.StreamResult{
		Text:         sb.String(),
		InputTokens:  f.usage[0],
		OutputTokens: f.usage[1],
	}, nil
}

func (f *fakeStreamer) lastRequest() prompt.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeAuditor struct {
	mu     sync.Mutex
	query  string
	answer string
	calls  int
}

func (f *fakeAuditor) AuditScan(query, answer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query = query
	f.answer = answer
	f.calls++
}

func newTestServer(t *testing.T, ret *fakeRetriever, str *fakeStreamer, aud Auditor) *httptest.Server {
	t.Helper()

	srv, err := NewServer(ServerConfig{
		Logger:         log.NewNop(),
		Retriever:      ret,
		Streamer:       str,
		Auditor:        aud,
		TokenBudget:    8000,
		ContextCeiling: 100000,
		RateBurst:      1000,
		Now:            func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postScan(t *testing.T, ts *httptest.Server, body string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Post(ts.URL+"/api/v1/scan", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return resp, sb.String()
}

func TestScanStreamsTextAndDone(t *testing.T) {
	ret := &fakeRetriever{contexts: []retrieval.Context{
		{Source: "emails:Q3 renewal", Text: "pricing discussion", Score: 0.91},
		{Source: "contact:Dana", Text: "prefers short replies", Score: 1.0},
	}}
	str := &fakeStreamer{chunks: []string{"Dana asked about ", "the Q3 renewal."}, usage: [2]int64{120, 9}}
	aud := &fakeAuditor{}
	ts := newTestServer(t, ret, str, aud)

	resp, body := postScan(t, ts, `{"query":"what did Dana ask about?","contact":"Dana"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := testutil.ParseSSEEvents(t, body)
	texts := testutil.FindAllEvents(events, "text")
	require.Len(t, texts, 2)

	var chunk struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal([]byte(texts[0].Data), &chunk))
	assert.Equal(t, "Dana asked about ", chunk.Text)

	done := testutil.FindEvent(events, "done")
	require.NotNil(t, done)
	var dd scanDoneData
	require.NoError(t, json.Unmarshal([]byte(done.Data), &dd))
	assert.Equal(t, "Dana asked about the Q3 renewal.", dd.Response)
	assert.Equal(t, 2, dd.ContextsUsed)
	assert.Equal(t, int64(120), dd.InputTokens)
	assert.Equal(t, int64(9), dd.OutputTokens)

	assert.Equal(t, "Dana", ret.lastQuery().ContactHint)
	assert.Equal(t, scanContextPerCollection, ret.lastQuery().TopK)

	req := str.lastRequest()
	assert.Contains(t, req.Input, "what did Dana ask about?")
	assert.Contains(t, req.Input, "Current time: 2026-03-01T09:00:00Z")
	assert.NotContains(t, req.System, "JSON")
}

func TestScanAuditsCompletedExchange(t *testing.T) {
	ret := &fakeRetriever{}
	str := &fakeStreamer{chunks: []string{"answer"}}
	aud := &fakeAuditor{}
	ts := newTestServer(t, ret, str, aud)

	postScan(t, ts, `{"query":"ping"}`)

	aud.mu.Lock()
	defer aud.mu.Unlock()
	assert.Equal(t, 1, aud.calls)
	assert.Equal(t, "ping", aud.query)
	assert.Equal(t, "answer", aud.answer)
}

func TestScanMissingQuery(t *testing.T) {
	ts := newTestServer(t, &fakeRetriever{}, &fakeStreamer{}, nil)

	resp, body := postScan(t, ts, `{"contact":"Dana"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode) // SSE headers already sent

	events := testutil.ParseSSEEvents(t, body)
	errEvent := testutil.FindEvent(events, "error")
	require.NotNil(t, errEvent)
	assert.Contains(t, errEvent.Data, "missing_query")
	assert.Nil(t, testutil.FindEvent(events, "done"))
}

func TestScanInvalidBody(t *testing.T) {
	ts := newTestServer(t, &fakeRetriever{}, &fakeStreamer{}, nil)

	_, body := postScan(t, ts, `{not json`)
	events := testutil.ParseSSEEvents(t, body)
	errEvent := testutil.FindEvent(events, "error")
	require.NotNil(t, errEvent)
	assert.Contains(t, errEvent.Data, "invalid_request")
}

func TestScanBodyTooLarge(t *testing.T) {
	ts := newTestServer(t, &fakeRetriever{}, &fakeStreamer{}, nil)

	huge := `{"query":"` + strings.Repeat("x", maxScanBodyBytes+1) + `"}`
	_, body := postScan(t, ts, huge)
	events := testutil.ParseSSEEvents(t, body)
	errEvent := testutil.FindEvent(events, "error")
	require.NotNil(t, errEvent)
	assert.Contains(t, errEvent.Data, "body_too_large")
}

func TestScanStreamFailure(t *testing.T) {
	aud := &fakeAuditor{}
	str := &fakeStreamer{err: errors.New("model exploded with secret details")}
	ts := newTestServer(t, &fakeRetriever{}, str, aud)

	_, body := postScan(t, ts, `{"query":"hello"}`)
	events := testutil.ParseSSEEvents(t, body)
	errEvent := testutil.FindEvent(events, "error")
	require.NotNil(t, errEvent)
	assert.Contains(t, errEvent.Data, "stream_error")
	// Internal error detail never reaches the client.
	assert.NotContains(t, body, "secret details")
	assert.Equal(t, 0, aud.calls)
}

func TestScanHistoryCapped(t *testing.T) {
	str := &fakeStreamer{chunks: []string{"ok"}}
	ts := newTestServer(t, &fakeRetriever{}, str, nil)

	var history []string
	for i := 0; i < 15; i++ {
		history = append(history, `{"role":"user","content":"turn `+string(rune('a'+i))+`"}`)
	}
	body := `{"query":"q","history":[` + strings.Join(history, ",") + `]}`
	postScan(t, ts, body)

	req := str.lastRequest()
	assert.Len(t, req.History, maxScanHistory)
	assert.Equal(t, "turn f", req.History[0].Content)
	assert.Equal(t, "turn o", req.History[len(req.History)-1].Content)
}
