package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"blockcrawl/internal/httpclient"
	"blockcrawl/internal/platform/logger"
)

func newTestLoop(t *testing.T, indexerURL string, maxErrors int) *Loop {
	t.Helper()
	return &Loop{
		opts: Options{IndexerBaseURL: indexerURL, MaxErrors: maxErrors},
		indexer: &IndexerClient{
			baseURL: indexerURL,
			hc:      httpclient.New(httpclient.Options{MaxRetries: 1, RetryBase: time.Millisecond}),
		},
		log: logger.Named("worker.loop.test"),
	}
}

func TestLoop_ResolveBlockURLs_BlockURL(t *testing.T) {
	l := newTestLoop(t, "https://indexer.example", 5)
	urls, err := l.resolveBlockURLs(context.Background(), ModeBlockURL, []string{"https://indexer.example/b/1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(urls) != 1 || urls[0] != "https://indexer.example/b/1" {
		t.Fatalf("unexpected urls: %v", urls)
	}
}

func TestLoop_ResolveBlockURLs_BlockURL_RequiresTarget(t *testing.T) {
	l := newTestLoop(t, "https://indexer.example", 5)
	if _, err := l.resolveBlockURLs(context.Background(), ModeBlockURL, nil); err == nil {
		t.Fatalf("expected error for missing block url target")
	}
}

func TestLoop_ResolveBlockURLs_HosterType(t *testing.T) {
	l := newTestLoop(t, "https://indexer.example", 5)
	urls, err := l.resolveBlockURLs(context.Background(), ModeHosterType, []string{"github"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://indexer.example/api/v1/hosters/github/loadbalanced_block"
	if len(urls) != 1 || urls[0] != want {
		t.Fatalf("unexpected urls: %v", urls)
	}
}

func TestLoop_ResolveBlockURLs_HosterDomains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Hoster{
			{ID: "gh1", Type: "github", APIURL: "https://api.github.com"},
			{ID: "gt1", Type: "gitea", APIURL: "https://gitea.example.org"},
		})
	}))
	defer srv.Close()

	l := newTestLoop(t, srv.URL, 5)
	urls, err := l.resolveBlockURLs(context.Background(), ModeHosterDomains, []string{"api.github.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := srv.URL + "/api/v1/hosters/gh1/block"
	if len(urls) != 1 || urls[0] != want {
		t.Fatalf("unexpected urls: %v", urls)
	}
}

func TestLoop_ResolveBlockURLs_HosterDomains_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Hoster{{ID: "gh1", Type: "github", APIURL: "https://api.github.com"}})
	}))
	defer srv.Close()

	l := newTestLoop(t, srv.URL, 5)
	if _, err := l.resolveBlockURLs(context.Background(), ModeHosterDomains, []string{"nowhere.example"}); err == nil {
		t.Fatalf("expected error when no hoster matches")
	}
}

// TestRun_IndexerUnreachable_ExitsNonZero exercises the escalation path:
// every fetch fails against an unroutable address, so consecutive failures
// should hit MaxErrors quickly and the loop exits with code 1.
func TestRun_IndexerUnreachable_ExitsNonZero(t *testing.T) {
	l := newTestLoop(t, "http://127.0.0.1:1", 2)
	l.opts.PidfilePath = filepath.Join(t.TempDir(), "worker.pid")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code := l.Run(ctx, ModeBlockURL, []string{"http://127.0.0.1:1/block"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if _, err := os.Stat(l.opts.PidfilePath); !os.IsNotExist(err) {
		t.Fatalf("expected pidfile removed after run, stat err: %v", err)
	}
}

// TestRun_SleepBlock_SkipsCallback_UntilCanceled drives the loop against a
// real indexer returning a sleep-status block with retry_at in the past, so
// the runner returns instantly with no records, and confirms the loop
// exits cleanly once its context is canceled rather than looping forever.
func TestRun_SleepBlock_SkipsCallback_UntilCanceled(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uid":             "b1",
			"status":          "sleep",
			"retry_at":        past,
			"hosting_service": map[string]any{"type": "gitea", "api_url": "https://gitea.example"},
		})
	}))
	defer srv.Close()

	l := newTestLoop(t, srv.URL, 5)
	l.opts.PidfilePath = filepath.Join(t.TempDir(), "worker.pid")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	code := l.Run(ctx, ModeBlockURL, []string{srv.URL + "/block"})
	if code != 0 {
		t.Fatalf("expected clean exit code 0, got %d", code)
	}
}

func TestWritePidfile_EmptyPathIsNoop(t *testing.T) {
	if err := writePidfile(""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStopRunning_MissingFile(t *testing.T) {
	if err := StopRunning(filepath.Join(t.TempDir(), "nope.pid")); err == nil {
		t.Fatalf("expected error for missing pidfile")
	}
}

func TestDomainOf(t *testing.T) {
	cases := map[string]string{
		"https://api.github.com":      "api.github.com",
		"http://gitea.example.org":    "gitea.example.org",
		"https://gitlab.example/api/": "gitlab.example",
	}
	for in, want := range cases {
		if got := domainOf(in); got != want {
			t.Errorf("domainOf(%q) = %q, want %q", in, got, want)
		}
	}
}
