package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/sentinel/internal/config"
	"github.com/kestrelhq/sentinel/internal/event"
	"github.com/kestrelhq/sentinel/internal/generate"
	"github.com/kestrelhq/sentinel/internal/log"
	"github.com/kestrelhq/sentinel/internal/pipeline"
	"github.com/kestrelhq/sentinel/internal/prompt"
	"github.com/kestrelhq/sentinel/internal/retrieval"
	"github.com/kestrelhq/sentinel/internal/scheduler"
	"github.com/kestrelhq/sentinel/internal/store"
)

type stubMarks struct{}

func (stubMarks) Get(context.Context, string) (time.Time, error) { return time.Time{}, nil }

func (stubMarks) Advance(context.Context, string, time.Time) error { return nil }

func (stubMarks) GetCursor(context.Context, string) (string, error) { return "", nil }

func (stubMarks) SetCursor(context.Context, string, string) error { return nil }

func (stubMarks) MarkProcessed(context.Context, string, string) error { return nil }

func (stubMarks) IsProcessed(context.Context, string, string) (bool, error) { return false, nil }

type stubRecords struct{}

func (stubRecords) GetContactByName(context.Context, string) (*store.Contact, error) {
	return nil, nil
}
func (stubRecords) EnqueueBriefingItem(context.Context, map[string]any) error { return nil }
func (stubRecords) DrainBriefingQueue(context.Context) ([]store.BriefingItem, error) {
	return nil, nil
}
func (stubRecords) InsertAlert(context.Context, *store.Alert) error { return nil }
func (stubRecords) LastTriggerAt(context.Context, string) (*time.Time, error) { return nil, nil }

type stubRetriever struct{}

func (stubRetriever) Retrieve(context.Context, retrieval.Query) []retrieval.Context { return nil }

type stubGenerator struct{}

func (stubGenerator) Complete(context.Context, prompt.Request) (*generate.Result, error) {
	return &generate.Result{}, nil
}

type stubWriter struct{}

func (stubWriter) LogTrigger(context.Context, *event.Event) uuid.UUID { return uuid.Nil }
func (stubWriter) Apply(context.Context, uuid.UUID, *event.Event, *generate.Structured, *generate.GeneratedDocument) {
}
func (stubWriter) CompleteTrigger(context.Context, uuid.UUID, store.TriggerMetrics) {}

func (stubWriter) EmbedInteraction(*event.Event, string) {}

func stubPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(pipeline.Config{
		Watermarks:     stubMarks{},
		Records:        stubRecords{},
		Retriever:      stubRetriever{},
		Generator:      stubGenerator{},
		Writer:         stubWriter{},
		Logger:         log.NewNop(),
		TokenBudget:    8000,
		ContextCeiling: 100000,
		EmailGap:       48 * time.Hour,
	})
	require.NoError(t, err)
	return p
}

func TestBuildConnectorsRespectsEnabledFlags(t *testing.T) {
	cfg := &config.Config{}
	cfg.Email.Enabled = true
	cfg.Email.Endpoint = "https://mail.example.com"
	cfg.Meeting.Enabled = true

	conns, err := buildConnectors(cfg)
	require.NoError(t, err)
	require.Len(t, conns, 2)

	var names []string
	for _, c := range conns {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"email_poll", "meeting_scan"}, names)
}

func TestRegisterJobs(t *testing.T) {
	cfg := &config.Config{BriefingHourUTC: 6}
	cfg.Email.Enabled = true
	cfg.Email.Interval = 5 * time.Minute
	cfg.Messaging.Enabled = true
	cfg.Messaging.Interval = 2 * time.Minute

	conns, err := buildConnectors(cfg)
	require.NoError(t, err)

	s := scheduler.New(log.NewNop())
	require.NoError(t, registerJobs(s, stubPipeline(t), cfg, conns))

	byID := make(map[string]scheduler.JobStatus)
	for _, j := range s.Jobs() {
		byID[j.ID] = j
	}

	assert.Equal(t, "5m0s", byID["email_poll"].Cadence)
	assert.Equal(t, "2m0s", byID["messaging_poll"].Cadence)
	assert.Equal(t, "daily@06:00Z", byID["daily-briefing"].Cadence)
	assert.Contains(t, byID, "email-gap-check")
	assert.NotContains(t, byID, "meeting_scan")
}

func TestRegisterJobsDefaultsInterval(t *testing.T) {
	cfg := &config.Config{BriefingHourUTC: 6}
	cfg.Meeting.Enabled = true // no interval set

	conns, err := buildConnectors(cfg)
	require.NoError(t, err)

	s := scheduler.New(log.NewNop())
	require.NoError(t, registerJobs(s, stubPipeline(t), cfg, conns))

	for _, j := range s.Jobs() {
		if j.ID == "meeting_scan" {
			assert.Equal(t, "5m0s", j.Cadence)
		}
	}
}
