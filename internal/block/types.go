// Package block defines the wire-level data model shared by the indexer
// client, the hoster adapters, and the block runner: the descriptor a worker
// receives, the mutable crawl state threaded through each adapter, and the
// records and chunks an adapter produces.
package block

import (
	"encoding/json"
	"time"

	perr "blockcrawl/internal/platform/errors"
)

// Status is the block status the indexer sets on a descriptor: ready to
// crawl, or sleep until retry_at.
type Status string

const (
	StatusReady Status = "ready"
	StatusSleep Status = "sleep"
)

// HostingService describes the hoster a block's repositories live on:
// its API base URL, the crawler's credentials, and any extra headers the
// indexer wants attached to every outbound request for this hoster.
type HostingService struct {
	Type                  string            `json:"type" validate:"required,oneof=github gitea gitlab bitbucket"`
	APIURL                string            `json:"api_url" validate:"required,url"`
	APIKey                string            `json:"api_key"`
	CrawlerRequestHeaders map[string]string `json:"crawler_request_headers,omitempty"`
}

// Descriptor is the unit of work a worker receives from the indexer: either
// a known ID range (FromID/ToID) or an explicit ID list, plus the hoster to
// crawl it against and where to PUT results when done.
type Descriptor struct {
	UID            string         `json:"uid" validate:"required"`
	Status         Status         `json:"status" validate:"omitempty,oneof=ready sleep"`
	RetryAt        *time.Time     `json:"retry_at,omitempty"`
	FromID         *int64         `json:"from_id,omitempty"`
	ToID           *int64         `json:"to_id,omitempty"`
	IDs            []int64        `json:"ids,omitempty"`
	CallbackURL    string         `json:"callback_url"`
	HostingService HostingService `json:"hosting_service" validate:"required"`
}

// State is the adapter's crawl position, carried from one chunk to the next
// within a single block run. It is JSON-serializable but is never sent to
// the indexer. Numeric values survive a
// JSON round trip as float64, so callers should read them with the typed
// helpers below rather than type-asserting directly.
type State map[string]any

// Clone returns a shallow copy of s, safe for an adapter to mutate before
// returning it as part of a Chunk without aliasing the caller's map.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Int reads an integer-valued field, tolerating the float64 a JSON
// round-trip produces.
func (s State) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return def
		}
		return int(n)
	default:
		return def
	}
}

// Int64 is Int's int64 counterpart.
func (s State) Int64(key string, def int64) int64 {
	switch v := s[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// Bool reads a boolean-valued field.
func (s State) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// String reads a string-valued field.
func (s State) String(key string, def string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return def
}

// Int64Slice reads a slice of IDs, tolerating []any (JSON decode) or
// []int64 (constructed in-process) representations.
func (s State) Int64Slice(key string) []int64 {
	switch v := s[key].(type) {
	case []int64:
		return v
	case []any:
		out := make([]int64, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case float64:
				out = append(out, int64(n))
			case int64:
				out = append(out, n)
			case int:
				out = append(out, int64(n))
			}
		}
		return out
	default:
		return nil
	}
}

// Record is a single crawled repository's metadata, shaped entirely by the
// hoster adapter that produced it; the runner and worker pass it through
// opaquely on its way to the indexer.
type Record map[string]any

// Chunk is the result of one page of crawling: the records harvested, the
// state to resume from on the next page, and whether the page succeeded.
// OK false means Records should be discarded and the chunk's error (carried
// separately by the caller) should drive retry/skip behavior.
type Chunk struct {
	OK      bool
	Records []Record
	State   State
}

// CredKind tags which field of Credentials is populated.
type CredKind int

const (
	CredNone CredKind = iota
	CredBearer
	CredBasic
	CredOAuthClientCreds
)

// Credentials is a tagged variant over the auth schemes a hoster adapter may
// need: a bare bearer token, HTTP basic auth, or an OAuth2 client-credentials
// flow (Bitbucket app passwords are issued this way).
type Credentials struct {
	Kind CredKind

	BearerToken string

	BasicUser string
	BasicPass string

	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
}

// ParseCredentials derives Credentials from a HostingService's APIKey and
// type. GitHub, Gitea, and GitLab all take a single bearer-style personal
// access token. Bitbucket's APIKey is expected as "client_id:client_secret"
// and is exchanged for an OAuth2 token via the client-credentials grant.
func ParseCredentials(hs HostingService) (Credentials, error) {
	if hs.APIKey == "" {
		return Credentials{Kind: CredNone}, nil
	}
	if hs.Type == "bitbucket" {
		id, secret, ok := splitOnce(hs.APIKey, ':')
		if !ok {
			return Credentials{}, perr.Configf("bitbucket hosting_service.api_key must be client_id:client_secret")
		}
		return Credentials{
			Kind:              CredOAuthClientCreds,
			OAuthClientID:     id,
			OAuthClientSecret: secret,
			OAuthTokenURL:     "https://bitbucket.org/site/oauth2/access_token",
		}, nil
	}
	return Credentials{Kind: CredBearer, BearerToken: hs.APIKey}, nil
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
