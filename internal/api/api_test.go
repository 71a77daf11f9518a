package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/botqio/hostagent/internal/model"
)

func TestCommandFallsBackToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		if req["command"] != "BotError" {
			t.Errorf("unexpected command: %v", req["command"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "data": null}`))
	}))
	defer srv.Close()

	f := New(srv.URL)
	if err := f.BotError(context.Background(), "bot-1", "boom"); err != nil {
		t.Fatalf("BotError: %v", err)
	}
}

func TestCommandSurfacesDomainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": 500, "message": "something broke"}`))
	}))
	defer srv.Close()

	f := New(srv.URL)
	err := f.BotError(context.Background(), "bot-1", "boom")
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != 500 {
		t.Fatalf("expected code 500, got %d", apiErr.Code)
	}
}

func TestUpdateJobProgressMapsCannotDecrease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code": 409, "message": "progress cannot decrease"}`))
	}))
	defer srv.Close()

	f := New(srv.URL)
	err := f.UpdateJobProgress(context.Background(), "job-1", 42)
	if !errors.Is(err, model.ErrProgressCannotDecrease) {
		t.Fatalf("expected ErrProgressCannotDecrease, got %T: %v", err, err)
	}
}
