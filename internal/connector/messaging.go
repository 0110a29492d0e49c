package connector

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/kestrelhq/sentinel/internal/event"
)

// SourceMessaging is the chat connector's watermark/job key.
const SourceMessaging = "messaging_poll"

type chatMessage struct {
	ID        string    `json:"id"`
	ChatName  string    `json:"chat_name"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Group     bool      `json:"group"`
}

type chatUpdates struct {
	Messages []chatMessage `json:"messages"`
}

// Messaging polls a chat-export bridge for new messages.
type Messaging struct {
	endpoint string
	client   *client
	filter   *NoiseFilter
}

// NewMessaging creates the messaging connector.
func NewMessaging(endpoint, token string, filter *NoiseFilter) *Messaging {
	return &Messaging{
		endpoint: endpoint,
		client:   newClient(token),
		filter:   filter,
	}
}

// Name implements Connector.
func (m *Messaging) Name() string { return SourceMessaging }

// FetchSince returns messages newer than since. The bridge returns one flat
// batch; there is no paging on this source.
func (m *Messaging) FetchSince(ctx context.Context, since time.Time) ([]RawItem, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))

	var resp chatUpdates
	if err := m.client.getJSON(ctx, m.endpoint+"/updates?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("fetching chat updates: %w", err)
	}

	items := make([]RawItem, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		item := RawItem{
			ID:         msg.ID,
			Body:       msg.Text,
			Sender:     msg.Sender,
			SenderName: msg.Sender,
			Thread:     msg.ChatName,
			Timestamp:  msg.Timestamp,
			Fields: map[string]any{
				"chat_name": msg.ChatName,
				"group":     msg.Group,
			},
		}
		if m.filter.Drop(item) {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Normalize implements Connector.
func (m *Messaging) Normalize(item RawItem) (event.Event, error) {
	if item.ID == "" || item.Timestamp.IsZero() {
		return event.Event{}, fmt.Errorf("%w: chat item missing id or timestamp", ErrMalformedItem)
	}

	return event.Event{
		Type:        event.TypeMessaging,
		SourceID:    item.ID,
		Content:     item.Body,
		ContactName: senderFallback(item),
		ReceivedAt:  item.Timestamp,
		Metadata:    item.Fields,
	}, nil
}
