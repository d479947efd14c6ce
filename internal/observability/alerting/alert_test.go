package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "CrewResearch/internal/errors"
)

type recordingSlackSender struct {
	channel string
	content string
}

func (s *recordingSlackSender) Send(_ context.Context, channel, content string) error {
	s.channel = channel
	s.content = content
	return nil
}

func TestFanoutDeliversToSlack(t *testing.T) {
	sender := &recordingSlackSender{}
	dispatcher := NewFanout(&SlackNotifier{Sender: sender, ChannelID: "#research-alerts"})

	err := dispatcher.Notify(context.Background(), Event{
		Code:       xerrors.CodeOrchestration,
		Message:    "大模型推理失败",
		Severity:   xerrors.SeverityCritical,
		TaskID:     "task-1",
		Topic:      "quantum computing",
		Attempts:   2,
		MaxRetries: 3,
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if sender.channel != "#research-alerts" {
		t.Fatalf("unexpected channel: %q", sender.channel)
	}
	if !strings.Contains(sender.content, string(xerrors.CodeOrchestration)) {
		t.Fatalf("unexpected content: %q", sender.content)
	}
}

func TestSlackWebhookSenderPostsPayload(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewSlackWebhookSender(server.URL)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), "#alerts", "task failed"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if received["channel"] != "#alerts" || received["text"] != "task failed" {
		t.Fatalf("unexpected payload: %+v", received)
	}
}

func TestSlackWebhookSenderRejectsEmptyURL(t *testing.T) {
	if _, err := NewSlackWebhookSender("  "); err == nil {
		t.Fatal("expected error for empty webhook url")
	}
}

func TestSlackWebhookSenderSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer server.Close()

	sender, err := NewSlackWebhookSender(server.URL)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), "#alerts", "task failed"); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
