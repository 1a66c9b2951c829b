package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:  server.URL,
		Project:  "test-project",
		Token:    "test-token",
		Timeout:  5 * time.Second,
		RetryMax: 1,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client, server
}

func TestClient_CreateItems(t *testing.T) {
	var gotPath string
	var gotAuth string
	var gotBody itemsEnvelope

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))

	items := []json.RawMessage{json.RawMessage(`{"externalId":"ds-1"}`)}
	if err := client.CreateItems(context.Background(), "datasets", items); err != nil {
		t.Fatalf("CreateItems failed: %v", err)
	}

	if gotPath != "/api/v1/projects/test-project/datasets" {
		t.Errorf("Unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Unexpected auth header: %s", gotAuth)
	}
	if len(gotBody.Items) != 1 {
		t.Errorf("Expected 1 item in envelope, got %d", len(gotBody.Items))
	}
}

func TestClient_RetrieveItems_IgnoresUnknownIDs(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/projects/test-project/datasets/byids" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		var req retrieveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.IgnoreUnknownIDs {
			t.Error("Expected ignoreUnknownIds to be set")
		}
		// Only one of the two requested items exists.
		_ = json.NewEncoder(w).Encode(itemsEnvelope{
			Items: []json.RawMessage{json.RawMessage(`{"externalId":"ds-1"}`)},
		})
	}))

	refs := []json.RawMessage{
		json.RawMessage(`{"externalId":"ds-1"}`),
		json.RawMessage(`{"externalId":"ds-missing"}`),
	}
	items, err := client.RetrieveItems(context.Background(), "datasets", refs)
	if err != nil {
		t.Fatalf("RetrieveItems failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("Expected 1 item, got %d", len(items))
	}
}

func TestClient_DeleteItems_NotFoundIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found"}}`))
	}))

	refs := []json.RawMessage{json.RawMessage(`{"externalId":"gone"}`)}
	if err := client.DeleteItems(context.Background(), "datasets", refs); err != nil {
		t.Errorf("Delete of absent target must be zero-effect success, got: %v", err)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"bad request", http.StatusBadRequest, IsValidation},
		{"forbidden", http.StatusForbidden, IsAuthorization},
		{"conflict", http.StatusConflict, IsConflict},
		{"too large", http.StatusRequestEntityTooLarge, IsValidation},
		{"throttled", http.StatusTooManyRequests, IsThrottled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"code":0,"message":"boom"}}`))
			}))

			err := client.CreateItems(context.Background(), "datasets",
				[]json.RawMessage{json.RawMessage(`{}`)})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !tt.check(err) {
				t.Errorf("Wrong classification for status %d: %v", tt.status, err)
			}
		})
	}
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	var calls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := client.CreateItems(context.Background(), "datasets",
		[]json.RawMessage{json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !IsTransient(err) {
		t.Errorf("Expected transient error for 502, got: %v", err)
	}
	// retryablehttp retries 5xx at the transport level (RetryMax: 1).
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestClient_CountAndPurgeContained(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/projects/test-project/timeseries/count":
			_, _ = w.Write([]byte(`{"count":1000}`))
		case "/api/v1/projects/test-project/timeseries/purge":
			_, _ = w.Write([]byte(`{"dropped":1000}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ref := json.RawMessage(`{"externalId":"ts-1"}`)
	count, err := client.CountContained(context.Background(), "timeseries", ref)
	if err != nil {
		t.Fatalf("CountContained failed: %v", err)
	}
	if count != 1000 {
		t.Errorf("Expected count 1000, got %d", count)
	}

	dropped, err := client.PurgeContained(context.Background(), "timeseries", ref)
	if err != nil {
		t.Fatalf("PurgeContained failed: %v", err)
	}
	if dropped != 1000 {
		t.Errorf("Expected 1000 dropped, got %d", dropped)
	}
}

func TestClient_InspectToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/token/inspect" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"capabilities":[{"name":"datasets:write","scope":{"all":true}}]}`))
	}))

	caps, err := client.InspectToken(context.Background())
	if err != nil {
		t.Fatalf("InspectToken failed: %v", err)
	}
	if len(caps) != 1 || caps[0].Name != "datasets:write" {
		t.Errorf("Unexpected capabilities: %+v", caps)
	}
	if !caps[0].Scope.All {
		t.Error("Expected all scope")
	}
}

func TestClient_EmptyInputShortCircuits(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("No request expected for empty input")
	}))

	if err := client.CreateItems(context.Background(), "datasets", nil); err != nil {
		t.Errorf("Expected nil, got: %v", err)
	}
	items, err := client.RetrieveItems(context.Background(), "datasets", nil)
	if err != nil || items != nil {
		t.Errorf("Expected nil, nil; got %v, %v", items, err)
	}
}
