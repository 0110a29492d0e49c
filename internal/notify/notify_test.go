package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhq/sentinel/internal/log"
)

func TestSendPostsPayload(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, log.NewNop())
	err := wh.Send(context.Background(), Notification{Tier: 1, Title: "Q3 shortfall", Body: "act now"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Tier != 1 || got.Title != "Q3 shortfall" || got.Body != "act now" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSendReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, log.NewNop())
	if err := wh.Send(context.Background(), Notification{Tier: 2, Title: "x"}); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestDisabledSinkIsNoOp(t *testing.T) {
	wh := NewWebhook("", log.NewNop())
	if wh.Enabled() {
		t.Fatal("empty URL should disable the sink")
	}
	if err := wh.Send(context.Background(), Notification{Tier: 1, Title: "x"}); err != nil {
		t.Fatalf("disabled Send returned %v", err)
	}
}
