package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/sentinel/internal/log"
	"github.com/kestrelhq/sentinel/internal/scheduler"
)

type fakeRunner struct {
	jobs   []scheduler.JobStatus
	runErr map[string]error
	ran    []string
}

func (f *fakeRunner) Jobs() []scheduler.JobStatus { return f.jobs }

func (f *fakeRunner) RunOnce(_ context.Context, id string) error {
	f.ran = append(f.ran, id)
	return f.runErr[id]
}

func newJobsServer(t *testing.T, runner *fakeRunner) *httptest.Server {
	t.Helper()

	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Retriever: &fakeRetriever{},
		Streamer:  &fakeStreamer{},
		Runner:    runner,
		RateBurst: 1000,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestListJobs(t *testing.T) {
	last := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	runner := &fakeRunner{jobs: []scheduler.JobStatus{
		{ID: "poll-email", Cadence: "5m0s", LastRun: &last},
		{ID: "daily-briefing", Cadence: "daily@06:00Z", LastError: "timeout"},
	}}
	ts := newJobsServer(t, runner)

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Jobs []scheduler.JobStatus `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Jobs, 2)
	assert.Equal(t, "poll-email", out.Jobs[0].ID)
	assert.Equal(t, "timeout", out.Jobs[1].LastError)
}

func TestRunJob(t *testing.T) {
	runner := &fakeRunner{jobs: []scheduler.JobStatus{{ID: "poll-email"}}}
	ts := newJobsServer(t, runner)

	resp, err := http.Post(ts.URL+"/api/v1/jobs/poll-email/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, []string{"poll-email"}, runner.ran)
}

func TestRunJobErrors(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		err        error
		wantStatus int
	}{
		{"unknown job", "nope", scheduler.ErrUnknownJob, http.StatusNotFound},
		{"already running", "poll-email", scheduler.ErrJobRunning, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{runErr: map[string]error{tt.id: tt.err}}
			ts := newJobsServer(t, runner)

			resp, err := http.Post(ts.URL+"/api/v1/jobs/"+tt.id+"/run", "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestRunJobHandlerFailure(t *testing.T) {
	runner := &fakeRunner{runErr: map[string]error{
		"poll-email": assert.AnError,
	}}
	ts := newJobsServer(t, runner)

	resp, err := http.Post(ts.URL+"/api/v1/jobs/poll-email/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The run happened; the job itself failed. Still accepted.
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "failed", out["status"])
	assert.NotEmpty(t, out["error"])
}
