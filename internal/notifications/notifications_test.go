package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNotifyRunFailed_PostsToSlack(t *testing.T) {
	var got SlackMessage
	received := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding webhook payload: %v", err)
		}
		received = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Slack: SlackConfig{
			WebhookURL: srv.URL,
			Enabled:    true,
		},
	}, nil)

	runID := "3f2c1de0-9a44-4b7e-b1a2-6c5d4e3f2a10"
	if err := svc.NotifyRunFailed(context.Background(), runID, errors.New("network module crashed")); err != nil {
		t.Fatalf("NotifyRunFailed: %v", err)
	}
	if !received {
		t.Fatal("webhook was never called")
	}

	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Title != "Discovery Run Failed" {
		t.Errorf("title = %q", att.Title)
	}
	if !strings.Contains(att.Text, runID) || !strings.Contains(att.Text, "network module crashed") {
		t.Errorf("message %q missing run ID or error", att.Text)
	}

	foundRun := false
	for _, f := range att.Fields {
		if f.Title == "Run" && f.Value == runID {
			foundRun = true
		}
	}
	if !foundRun {
		t.Errorf("no Run field carrying %s in %+v", runID, att.Fields)
	}
}

func TestNotifyRunFailed_RespectsMinUrgency(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Slack: SlackConfig{
			WebhookURL: srv.URL,
			Enabled:    true,
			MinUrgency: UrgencyCritical,
		},
	}, nil)

	if err := svc.NotifyRunFailed(context.Background(), "run-1", errors.New("boom")); err != nil {
		t.Fatalf("NotifyRunFailed: %v", err)
	}
	if called {
		t.Error("high-urgency notification delivered despite critical-only channel")
	}
}
