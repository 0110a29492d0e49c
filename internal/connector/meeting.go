package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kestrelhq/sentinel/internal/event"
)

// SourceMeeting is the transcript connector's watermark/job key.
const SourceMeeting = "meeting_scan"

// transcriptQuery is the GraphQL document the transcript service accepts.
const transcriptQuery = `query Transcripts($since: DateTime!) {
  transcripts(fromDate: $since) {
    id
    title
    date
    summary
    participants
  }
}`

type transcript struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Date         time.Time `json:"date"`
	Summary      string    `json:"summary"`
	Participants []string  `json:"participants"`
}

type transcriptResponse struct {
	Data struct {
		Transcripts []transcript `json:"transcripts"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Meeting polls a meeting-transcript GraphQL API for finished recordings.
type Meeting struct {
	endpoint string
	client   *client
}

// NewMeeting creates the meeting connector. Transcript sources emit no bulk
// mail, so there is no noise filter on this path.
func NewMeeting(endpoint, token string) *Meeting {
	return &Meeting{
		endpoint: endpoint,
		client:   newClient(token),
	}
}

// Name implements Connector.
func (m *Meeting) Name() string { return SourceMeeting }

// FetchSince returns transcripts recorded after since.
func (m *Meeting) FetchSince(ctx context.Context, since time.Time) ([]RawItem, error) {
	body := map[string]any{
		"query": transcriptQuery,
		"variables": map[string]any{
			"since": since.UTC().Format(time.RFC3339),
		},
	}

	var resp transcriptResponse
	if err := m.client.postJSON(ctx, m.endpoint, body, &resp); err != nil {
		return nil, fmt.Errorf("fetching transcripts: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("%w: transcript query failed: %s", ErrTransient, resp.Errors[0].Message)
	}

	items := make([]RawItem, 0, len(resp.Data.Transcripts))
	for _, tr := range resp.Data.Transcripts {
		items = append(items, RawItem{
			ID:        tr.ID,
			Body:      tr.Summary,
			Thread:    tr.Title,
			Timestamp: tr.Date,
			Fields: map[string]any{
				"meeting_title": tr.Title,
				"participants":  strings.Join(tr.Participants, ", "),
			},
		})
	}
	return items, nil
}

// Normalize implements Connector. The first participant stands in as the
// contact when present; otherwise the meeting title.
func (m *Meeting) Normalize(item RawItem) (event.Event, error) {
	if item.ID == "" || item.Timestamp.IsZero() {
		return event.Event{}, fmt.Errorf("%w: transcript missing id or date", ErrMalformedItem)
	}

	title, _ := item.Fields["meeting_title"].(string)
	content := item.Body
	if title != "" {
		content = title + "\n\n" + item.Body
	}

	return event.Event{
		Type:        event.TypeMeeting,
		SourceID:    item.ID,
		Content:     content,
		ContactName: senderFallback(item),
		ReceivedAt:  item.Timestamp,
		Metadata:    item.Fields,
	}, nil
}
