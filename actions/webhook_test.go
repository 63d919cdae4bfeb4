package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Craig-0219/potato-sub004/automation"
)

func webhookContext(payload map[string]any) *automation.ExecutionContext {
	return &automation.ExecutionContext{
		ExecutionID: "exec-1",
		RuleID:      "r1",
		ScopeID:     "guild-1",
		Event: automation.TriggerEvent{
			ScopeID:     "guild-1",
			TriggerType: automation.TriggerRecordCreated,
			Payload:     payload,
			OccurredAt:  time.Now(),
		},
	}
}

// TestWebhookDeliversExplicitPayload verifies the handler posts the payload
// parameter with custom headers.
func TestWebhookDeliversExplicitPayload(t *testing.T) {
	var gotBody map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		gotHeader = r.Header.Get("X-Signature")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	handler := NewWebhookHandler(5 * time.Second)
	ok, err := handler.Handle(context.Background(), map[string]any{
		"url":     srv.URL,
		"payload": map[string]any{"alert": "disk full"},
		"headers": map[string]any{"X-Signature": "abc123"},
	}, webhookContext(nil))
	if err != nil || !ok {
		t.Fatalf("Handle() = %v, %v, want true, nil", ok, err)
	}
	if gotBody["alert"] != "disk full" {
		t.Errorf("delivered body = %v", gotBody)
	}
	if gotHeader != "abc123" {
		t.Errorf("X-Signature = %q", gotHeader)
	}
}

// TestWebhookDefaultsToEventPayload verifies the triggering event payload
// is used when no payload parameter is given.
func TestWebhookDefaultsToEventPayload(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	handler := NewWebhookHandler(5 * time.Second)
	ok, err := handler.Handle(context.Background(), map[string]any{"url": srv.URL},
		webhookContext(map[string]any{"source": "ci"}))
	if err != nil || !ok {
		t.Fatalf("Handle() = %v, %v, want true, nil", ok, err)
	}
	if gotBody["source"] != "ci" {
		t.Errorf("delivered body = %v, want event payload", gotBody)
	}
}

// TestWebhookFailures verifies missing url and non-2xx responses count as
// failed attempts.
func TestWebhookFailures(t *testing.T) {
	handler := NewWebhookHandler(5 * time.Second)

	if ok, err := handler.Handle(context.Background(), map[string]any{}, webhookContext(nil)); ok || err == nil {
		t.Errorf("Handle() without url = %v, %v, want failure", ok, err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ok, err := handler.Handle(context.Background(), map[string]any{"url": srv.URL}, webhookContext(nil))
	if ok || err == nil {
		t.Errorf("Handle() against 502 = %v, %v, want failure", ok, err)
	}
}
