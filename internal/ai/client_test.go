package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestComplete(t *testing.T) {
	var gotAuth, gotModel, gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel = req.Model
		if len(req.Messages) == 1 {
			gotContent = req.Messages[0].Content
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key-123", "test-model")
	reply, err := c.Complete(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if reply != "pong" {
		t.Errorf("Complete() = %q, want %q", reply, "pong")
	}
	if gotAuth != "Bearer key-123" {
		t.Errorf("Authorization header = %q, want bearer token", gotAuth)
	}
	if gotModel != "test-model" || gotContent != "ping" {
		t.Errorf("upstream request = (model %q, content %q), want configured model and message", gotModel, gotContent)
	}
}

func TestComplete_NoAPIKeySkipsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "test-model")
	if _, err := c.Complete(context.Background(), "ping"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization header = %q, want empty when no key is configured", gotAuth)
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model")
	if _, err := c.Complete(context.Background(), "ping"); err == nil {
		t.Fatal("Complete() should fail on a non-200 upstream status")
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "test-model")
	if _, err := c.Complete(context.Background(), "ping"); err == nil {
		t.Fatal("Complete() should fail when the upstream returns no choices")
	}
}
