package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/sentinel/internal/log"
	"github.com/kestrelhq/sentinel/internal/store"
)

type fakeAlertStore struct {
	alerts    []store.Alert
	updateErr error
	updated   map[uuid.UUID]string
}

func (f *fakeAlertStore) ListPendingAlerts(_ context.Context, _ int) ([]store.Alert, error) {
	var out []store.Alert
	for _, a := range f.alerts {
		if a.Status == store.AlertPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) ListAlertsByStatus(_ context.Context, status string, _ int) ([]store.Alert, error) {
	var out []store.Alert
	for _, a := range f.alerts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) UpdateAlertStatus(_ context.Context, id uuid.UUID, next string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.updated == nil {
		f.updated = make(map[uuid.UUID]string)
	}
	f.updated[id] = next
	return nil
}

func newAlertsServer(t *testing.T, alerts *fakeAlertStore) *httptest.Server {
	t.Helper()

	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Retriever: &fakeRetriever{},
		Streamer:  &fakeStreamer{},
		Alerts:    alerts,
		RateBurst: 1000,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func patchAlert(t *testing.T, ts *httptest.Server, id, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPatch, ts.URL+"/api/v1/alerts/"+id, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestListAlertsDefaultsToPending(t *testing.T) {
	body := "follow up on contract"
	fs := &fakeAlertStore{alerts: []store.Alert{
		{ID: uuid.New(), Tier: 1, Title: "Urgent: contract deadline", Body: &body,
			Status: store.AlertPending, CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		{ID: uuid.New(), Tier: 3, Title: "FYI", Status: store.AlertResolved},
	}}
	ts := newAlertsServer(t, fs)

	resp, err := http.Get(ts.URL + "/api/v1/alerts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Alerts []alertView `json:"alerts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, "Urgent: contract deadline", out.Alerts[0].Title)
	assert.Equal(t, 1, out.Alerts[0].Tier)
	require.NotNil(t, out.Alerts[0].Body)
	assert.Equal(t, "follow up on contract", *out.Alerts[0].Body)
	assert.Equal(t, "2026-03-01T08:00:00Z", out.Alerts[0].CreatedAt)
}

func TestListAlertsByStatus(t *testing.T) {
	fs := &fakeAlertStore{alerts: []store.Alert{
		{ID: uuid.New(), Tier: 2, Title: "Handled", Status: store.AlertResolved},
	}}
	ts := newAlertsServer(t, fs)

	resp, err := http.Get(ts.URL + "/api/v1/alerts?status=resolved")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Alerts []alertView `json:"alerts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, "Handled", out.Alerts[0].Title)
}

func TestListAlertsUnknownStatus(t *testing.T) {
	ts := newAlertsServer(t, &fakeAlertStore{})

	resp, err := http.Get(ts.URL + "/api/v1/alerts?status=snoozed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateAlertStatus(t *testing.T) {
	fs := &fakeAlertStore{}
	ts := newAlertsServer(t, fs)

	id := uuid.New()
	resp := patchAlert(t, ts, id.String(), `{"status":"acknowledged"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, store.AlertAcknowledged, fs.updated[id])
}

func TestUpdateAlertErrors(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		updateErr  error
		wantStatus int
	}{
		{"bad uuid", "not-a-uuid", nil, http.StatusBadRequest},
		{"missing alert", uuid.NewString(), fmt.Errorf("reading alert: %w", pgx.ErrNoRows), http.StatusNotFound},
		{"backward transition", uuid.NewString(),
			fmt.Errorf("%w: resolved → pending", store.ErrInvalidTransition), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newAlertsServer(t, &fakeAlertStore{updateErr: tt.updateErr})

			resp := patchAlert(t, ts, tt.id, `{"status":"pending"}`)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}
