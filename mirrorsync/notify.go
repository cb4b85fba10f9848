package mirrorsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Dispatcher delivers a notification. Errors are logged by the engine and never fail a pass.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

type PubSubDispatcher struct {
	topic *pubsub.Topic
}

func NewPubSubDispatcher(topic *pubsub.Topic) *PubSubDispatcher {
	return &PubSubDispatcher{topic: topic}
}

func (d *PubSubDispatcher) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	res := d.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"type": "reconciliation_status"},
	})
	_, err = res.Get(ctx)
	return err
}

type WebhookDispatcher struct {
	url  string
	http *http.Client
}

func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{url: url, http: &http.Client{Timeout: timeout}}
}

func (d *WebhookDispatcher) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify webhook error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogDispatcher only logs; used when no channel is configured.
type LogDispatcher struct {
	logger *logrus.Logger
}

func NewLogDispatcher(logger *logrus.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(_ context.Context, n Notification) error {
	d.logger.WithFields(logrus.Fields{"module": "mirrorsync", "title": n.Title, "data": n.Data}).Info(n.Body)
	return nil
}

func summaryNotification(nodeId string, approved []int64, completed []int64) Notification {
	total := len(approved) + len(completed)
	title := "Reconciliation approved"
	if total > 1 {
		title = "Reconciliations updated"
	}
	var parts []string
	if len(approved) > 0 {
		parts = append(parts, fmt.Sprintf("%d approved", len(approved)))
	}
	if len(completed) > 0 {
		parts = append(parts, fmt.Sprintf("%d completed", len(completed)))
	}
	return Notification{
		Title: title,
		Body:  fmt.Sprintf("%d reconciliation request(s): %s", total, strings.Join(parts, ", ")),
		Data: map[string]any{
			"node_id":   nodeId,
			"approved":  approved,
			"completed": completed,
		},
	}
}
