package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"blockcrawl/internal/block"
)

func TestIndexerClient_ListHosters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/hosters" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]Hoster{
			{ID: "gh1", Type: "github", APIURL: "https://api.github.com"},
		})
	}))
	defer srv.Close()

	c := NewIndexerClient(srv.URL, "", "test-agent")
	hosters, err := c.ListHosters(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosters) != 1 || hosters[0].ID != "gh1" {
		t.Fatalf("unexpected hosters: %+v", hosters)
	}
}

func TestIndexerClient_FetchBlock_DefaultsStatusReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uid":             "b1",
			"callback_url":    "https://indexer.example/cb/b1",
			"hosting_service": map[string]any{"type": "gitea", "api_url": "https://gitea.example"},
		})
	}))
	defer srv.Close()

	c := NewIndexerClient(srv.URL, "", "test-agent")
	desc, err := c.FetchBlock(context.Background(), srv.URL+"/api/v1/hosters/gitea/block")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Status != block.StatusReady {
		t.Fatalf("expected default status ready, got %q", desc.Status)
	}
	if desc.UID != "b1" {
		t.Fatalf("unexpected uid %q", desc.UID)
	}
}

func TestIndexerClient_PutResults_Success(t *testing.T) {
	var gotBody []block.Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("expected PUT, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewIndexerClient(srv.URL, "", "test-agent")
	err := c.PutResults(context.Background(), srv.URL+"/cb/b1", []block.Record{{"id": float64(1)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gotBody) != 1 {
		t.Fatalf("expected 1 record posted, got %d", len(gotBody))
	}
}

func TestIndexerClient_PutResults_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewIndexerClient(srv.URL, "", "test-agent")
	err := c.PutResults(context.Background(), srv.URL+"/cb/missing", []block.Record{{"id": float64(1)}})
	if err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestIndexerClient_URLHelpers(t *testing.T) {
	c := NewIndexerClient("https://indexer.example", "", "test-agent")
	if got := c.BlockURLByHosterID("gh1"); got != "https://indexer.example/api/v1/hosters/gh1/block" {
		t.Fatalf("unexpected block url: %s", got)
	}
	if got := c.LoadBalancedBlockURL("github"); got != "https://indexer.example/api/v1/hosters/github/loadbalanced_block" {
		t.Fatalf("unexpected loadbalanced url: %s", got)
	}
}
