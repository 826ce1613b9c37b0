package notion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, delay time.Duration) error {
	r.delays = append(r.delays, delay)
	return nil
}

func TestClientCreatePageSendsExpectedRequest(t *testing.T) {
	var capturedAuth, capturedVersion, capturedPath, capturedMethod string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedVersion = r.Header.Get("Notion-Version")
		capturedPath = r.URL.Path
		capturedMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		_, _ = w.Write([]byte(`{"id":"page_1","url":"https://www.notion.so/page_1"}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Token: "secret_123", HTTPClient: server.Client()})
	page, err := client.CreatePage(context.Background(),
		map[string]any{"database_id": "db_1"},
		map[string]Property{"Name": TitleProperty("Assignment 2.pdf")},
		[]Block{ParagraphBlock("hello")},
		EmojiIcon("📄"),
	)
	if err != nil {
		t.Fatalf("create page failed: %v", err)
	}
	if page.ID != "page_1" || page.URL != "https://www.notion.so/page_1" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if capturedMethod != http.MethodPost || capturedPath != "/v1/pages" {
		t.Fatalf("expected POST /v1/pages, got %s %s", capturedMethod, capturedPath)
	}
	if capturedAuth != "Bearer secret_123" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedVersion != DefaultAPIVersion {
		t.Fatalf("expected Notion-Version %s, got %q", DefaultAPIVersion, capturedVersion)
	}
	parent, _ := capturedBody["parent"].(map[string]any)
	if parent["database_id"] != "db_1" {
		t.Fatalf("expected parent database id, got %+v", capturedBody)
	}
	if _, ok := capturedBody["icon"]; !ok {
		t.Fatalf("expected icon in body, got %+v", capturedBody)
	}
}

func TestClientRetriesRateLimitWithRetryAfter(t *testing.T) {
	var calls int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"page_2","url":"https://www.notion.so/page_2"}`))
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := NewClient(ClientOptions{
		BaseURL:    server.URL,
		Token:      "secret_123",
		HTTPClient: server.Client(),
		Sleep:      sleeper.sleep,
	})
	resp, err := client.Do(context.Background(), http.MethodPost, "/pages", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("expected rate limited request to succeed, got %v", err)
	}
	if string(resp.Body) != `{"id":"page_2","url":"https://www.notion.so/page_2"}` {
		t.Fatalf("expected body to be returned unmodified, got %s", resp.Body)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != 2*time.Second || sleeper.delays[1] != 2*time.Second {
		t.Fatalf("expected two 2s sleeps, got %v", sleeper.delays)
	}
	for _, body := range bodies {
		if body != bodies[0] {
			t.Fatalf("expected identical retried bodies, got %v", bodies)
		}
	}
}

func TestClientStopsAtRateLimitCeiling(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0.5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := NewClient(ClientOptions{
		BaseURL:             server.URL,
		Token:               "secret_123",
		HTTPClient:          server.Client(),
		MaxRateLimitRetries: 2,
		Sleep:               sleeper.sleep,
	})
	_, err := client.Do(context.Background(), http.MethodPost, "/pages", map[string]any{})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != 500*time.Millisecond {
		t.Fatalf("expected fractional retry-after sleeps, got %v", sleeper.delays)
	}
}

func TestClientReturnsHTTPErrorWithoutRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"validation_error","message":"Name is not a property"}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{BaseURL: server.URL, Token: "secret_123", HTTPClient: server.Client()})
	_, err := client.Do(context.Background(), http.MethodPost, "/pages", map[string]any{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest || httpErr.Code != "validation_error" || httpErr.Message != "Name is not a property" {
		t.Fatalf("unexpected error fields: %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestClientRequiresToken(t *testing.T) {
	client := NewClient(ClientOptions{})
	if _, err := client.Do(context.Background(), http.MethodGet, "/users/me", nil); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := map[string]time.Duration{
		"":     time.Second,
		"2":    2 * time.Second,
		"0.25": 250 * time.Millisecond,
		"junk": time.Second,
		"-3":   time.Second,
	}
	for header, want := range cases {
		if got := parseRetryAfter(header); got != want {
			t.Fatalf("parseRetryAfter(%q) = %v, want %v", header, got, want)
		}
	}
}
