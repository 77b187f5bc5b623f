package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchReadings(t *testing.T) {
	var gotAuth, gotCursor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user_data" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotCursor = r.URL.Query().Get("cursor")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"readings": [{"id": "a", "device_id": "d1", "fields": {"temperature": 21.5}}],
			"new_cursor": "2025-03-01T10:00:00Z",
			"total_readings": 1,
			"incremental": true
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok123", 0)
	cursor := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	page, err := c.FetchReadings(context.Background(), &cursor, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotCursor != "2025-03-01T09:00:00Z" {
		t.Fatalf("cursor param = %q", gotCursor)
	}
	if len(page.Readings) != 1 || page.Readings[0].Fields["temperature"] != 21.5 {
		t.Fatalf("page wrong: %+v", page)
	}
	if !page.Incremental || page.NewCursor.IsZero() {
		t.Fatalf("flags wrong: %+v", page)
	}
}

func TestFetchHistoryCooldownFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"readings": [], "cooldown": true}`))
	}))
	defer srv.Close()

	page, err := NewClient(srv.URL, "tok", 0).FetchHistory(context.Background(), 168)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !page.Cooldown || len(page.Readings) != 0 {
		t.Fatalf("page wrong: %+v", page)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error": "nope"}`))
		}))
		_, err := NewClient(srv.URL, "tok", 0).FetchReadings(context.Background(), nil, 0)
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Message != "nope" {
			t.Fatalf("status %d: server message lost: %v", tc.status, err)
		}
	}
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>this is not json</html>`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok", 0).FetchReadings(context.Background(), nil, 0)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUnreachableServerIsTransient(t *testing.T) {
	// Closed port: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL, "tok", time.Second).FetchReadings(context.Background(), nil, 0)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}
