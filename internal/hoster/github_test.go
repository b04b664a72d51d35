package hoster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"blockcrawl/internal/block"
)

func TestEncodeRepositoryID(t *testing.T) {
	got := encodeRepositoryID(17558226)
	want := "MDEwOlJlcG9zaXRvcnkxNzU1ODIyNg=="
	if got != want {
		t.Fatalf("encodeRepositoryID(17558226) = %q, want %q", got, want)
	}
}

// S1: GitHub happy path. Mock returns one record for id 1, nulls for 2, 3.
func TestGitHub_S1_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables struct {
				IDs []string `json:"ids"`
			} `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Variables.IDs) != 3 {
			t.Errorf("ids len = %d, want 3", len(req.Variables.IDs))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"rateLimit":{"remaining":100,"resetAt":"2099-01-01T00:00:00Z"},"nodes":[{"id":"x1","name":"one"},null,null]}}`))
	}))
	defer srv.Close()

	a, err := newGitHubAdapter(block.HostingService{Type: "github", APIURL: srv.URL, APIKey: "tok"})
	if err != nil {
		t.Fatalf("newGitHubAdapter: %v", err)
	}

	desc := block.Descriptor{IDs: []int64{1, 2, 3}}
	s := a.StateFromBlock(desc)
	s = a.SetState(s)

	if !a.HasNext(s) {
		t.Fatal("HasNext = false, want true")
	}
	chunk := a.Next(context.Background(), s)
	if !chunk.OK {
		t.Fatal("chunk.OK = false, want true")
	}
	if len(chunk.Records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(chunk.Records))
	}
	if chunk.State.Int("empty_page_count", -1) != 0 {
		t.Fatalf("empty_page_count = %d, want 0 (at least one record present)", chunk.State.Int("empty_page_count", -1))
	}
	if a.HasNext(chunk.State) {
		t.Fatal("HasNext after first page = true, want false (all 3 ids fit in the first batch)")
	}
}

// S2: three 403s followed by a 200 with one record; sleep observed 3x.
func TestGitHub_S2_AbuseRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= 3 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"rateLimit":{"remaining":100,"resetAt":"2099-01-01T00:00:00Z"},"nodes":[{"id":"x1"}]}}`))
	}))
	defer srv.Close()

	a, err := newGitHubAdapter(block.HostingService{Type: "github", APIURL: srv.URL, APIKey: "tok"})
	if err != nil {
		t.Fatalf("newGitHubAdapter: %v", err)
	}
	a.(*gitHubAdapter).abuseSleep = time.Millisecond

	desc := block.Descriptor{IDs: []int64{1}}
	s := a.SetState(a.StateFromBlock(desc))

	chunk := a.Next(context.Background(), s)
	if !chunk.OK {
		t.Fatal("chunk.OK = false, want true after abuse retries succeed")
	}
	if hits.Load() != 4 {
		t.Fatalf("hits = %d, want 4 (3 forbidden + 1 success)", hits.Load())
	}
}

func TestGitHub_RequiresBearerToken(t *testing.T) {
	_, err := newGitHubAdapter(block.HostingService{Type: "github", APIURL: "http://example.invalid"})
	if err == nil {
		t.Fatal("expected error when no api_key configured")
	}
}

func TestGitHub_HasNext_UnboundedRange(t *testing.T) {
	a := &gitHubAdapter{}
	s := block.State{"from_id": int64(0), "to_id": int64(-1), "i": 0}
	if !a.HasNext(s) {
		t.Fatal("HasNext with unbounded to_id = false, want true")
	}
}

func TestGitHub_HasNext_BoundedRangeExhausted(t *testing.T) {
	a := &gitHubAdapter{}
	s := block.State{"from_id": int64(0), "to_id": int64(50), "i": 1} // window starts at 100, past to_id=50
	if a.HasNext(s) {
		t.Fatal("HasNext past bounded range = true, want false")
	}
}

func TestGitHub_HasNext_EmptyPageCountExhausted(t *testing.T) {
	a := &gitHubAdapter{}
	s := block.State{"from_id": int64(0), "to_id": int64(-1), "i": 0, "empty_page_count": maxEmptyPages}
	if a.HasNext(s) {
		t.Fatal("HasNext with empty_page_count at max = true, want false")
	}
}
