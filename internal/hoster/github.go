package hoster

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"blockcrawl/internal/block"
	"blockcrawl/internal/httpclient"
	"blockcrawl/internal/metrics"
	perr "blockcrawl/internal/platform/errors"
	"blockcrawl/internal/platform/logger"
)

const (
	githubBatchSize      = 100
	githubAbuseSleep     = 5 * time.Second
	githubAbuseRetryMax  = 5
	githubRateLimitSleep = 60 * time.Second
	githubGraphQLRequest = 30 * time.Second
)

func init() {
	Register("github", newGitHubAdapter)
}

type gitHubAdapter struct {
	apiURL     string
	hc         *httpclient.Client
	log        logger.Logger
	abuseSleep time.Duration
	rlSleep    time.Duration
}

func newGitHubAdapter(hs block.HostingService) (Adapter, error) {
	creds, err := block.ParseCredentials(hs)
	if err != nil {
		return nil, err
	}
	if creds.Kind != block.CredBearer || creds.BearerToken == "" {
		return nil, perr.Configf("github adapter requires a bearer token")
	}
	hc := newHTTPClient(hs, creds)
	return &gitHubAdapter{
		apiURL:     hs.APIURL,
		hc:         hc,
		log:        *logger.Named("hoster.github"),
		abuseSleep: githubAbuseSleep,
		rlSleep:    githubRateLimitSleep,
	}, nil
}

// encodeRepositoryID reproduces GitHub's legacy GraphQL node id scheme:
// base64("010:Repository" + decimal(n)).
func encodeRepositoryID(n int64) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("010:Repository%d", n)))
}

func (a *gitHubAdapter) StateFromBlock(b block.Descriptor) block.State {
	s := block.State{}
	if len(b.IDs) > 0 {
		ids := make([]int64, len(b.IDs))
		copy(ids, b.IDs)
		s["ids"] = ids
	} else {
		if b.FromID != nil {
			s["from_id"] = *b.FromID
		}
		if b.ToID != nil {
			s["to_id"] = *b.ToID
		}
	}
	return s
}

func (a *gitHubAdapter) SetState(s block.State) block.State {
	return stateCommon(s)
}

func (a *gitHubAdapter) HasNext(s block.State) bool {
	if !hasNextCommon(s) {
		return false
	}
	i := s.Int("i", 0)
	if ids, ok := s["ids"]; ok && ids != nil {
		return i*githubBatchSize < len(s.Int64Slice("ids"))
	}
	fromID := s.Int64("from_id", 0)
	toID := s.Int64("to_id", -1)
	start := fromID + int64(i)*githubBatchSize
	if toID == -1 {
		return true
	}
	return start <= toID
}

// batchIDs computes the window of numeric repository IDs this iteration
// should query, from either the explicit ids list or the from_id/to_id
// range.
func (a *gitHubAdapter) batchIDs(s block.State) []int64 {
	i := s.Int("i", 0)
	if ids := s.Int64Slice("ids"); ids != nil {
		lo := i * githubBatchSize
		if lo >= len(ids) {
			return nil
		}
		hi := lo + githubBatchSize
		if hi > len(ids) {
			hi = len(ids)
		}
		return ids[lo:hi]
	}
	fromID := s.Int64("from_id", 0)
	toID := s.Int64("to_id", -1)
	start := fromID + int64(i)*githubBatchSize
	out := make([]int64, 0, githubBatchSize)
	for n := start; n < start+githubBatchSize; n++ {
		if toID != -1 && n > toID {
			break
		}
		out = append(out, n)
	}
	return out
}

const githubQuery = `query($ids: [ID!]!) {
  rateLimit { remaining resetAt }
  nodes(ids: $ids) {
    ... on Repository {
      id name nameWithOwner homepageUrl url createdAt updatedAt pushedAt description
      isArchived isPrivate isFork isEmpty isDisabled isLocked isTemplate
      stargazerCount forkCount diskUsage
      owner { login }
      repositoryTopics(first: 20) { nodes { topic { name } } }
      primaryLanguage { name }
      licenseInfo { name }
    }
  }
}`

type githubGraphQLResponse struct {
	Data struct {
		RateLimit struct {
			Remaining int    `json:"remaining"`
			ResetAt   string `json:"resetAt"`
		} `json:"rateLimit"`
		Nodes []map[string]any `json:"nodes"`
	} `json:"data"`
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (a *gitHubAdapter) Next(ctx context.Context, s block.State) block.Chunk {
	return a.next(ctx, s, false)
}

func (a *gitHubAdapter) next(ctx context.Context, s block.State, retriedRateLimit bool) block.Chunk {
	ids := a.batchIDs(s)
	nodeIDs := make([]string, len(ids))
	for i, id := range ids {
		nodeIDs[i] = encodeRepositoryID(id)
	}

	body := map[string]any{"query": githubQuery, "variables": map[string]any{"ids": nodeIDs}}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = a.hc.Post(ctx, a.apiURL, body, githubGraphQLRequest)
		if err != nil {
			se, ok := err.(*httpclient.StatusError)
			if !ok || se.Status != http.StatusForbidden {
				return a.fail(s)
			}
			if attempt >= githubAbuseRetryMax {
				a.log.Warn().Int("attempts", attempt).Msg("github abuse retries exhausted")
				return a.fail(s)
			}
			a.log.Warn().Int("attempt", attempt).Dur("sleep", a.abuseSleep).Msg("github abuse response, backing off")
			metrics.RateLimitSleepSeconds.WithLabelValues("github").Add(a.abuseSleep.Seconds())
			if !SleepCtx(ctx, a.abuseSleep) {
				return a.fail(s)
			}
			continue
		}
		break
	}
	if resp.StatusCode >= 300 {
		_, _ = httpclient.ReadBody(resp)
		return a.fail(s)
	}

	raw, err := httpclient.ReadBody(resp)
	if err != nil {
		return a.fail(s)
	}
	var parsed githubGraphQLResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return a.fail(s)
	}

	for _, e := range parsed.Errors {
		if e.Type == "RATE_LIMITED" {
			if retriedRateLimit {
				return a.fail(s)
			}
			a.log.Warn().Dur("sleep", a.rlSleep).Msg("github graphql rate limited")
			metrics.RateLimitSleepSeconds.WithLabelValues("github").Add(a.rlSleep.Seconds())
			if !SleepCtx(ctx, a.rlSleep) {
				return a.fail(s)
			}
			return a.next(ctx, s, true)
		}
	}

	if parsed.Data.RateLimit.Remaining == 0 {
		a.sleepUntilReset(ctx, parsed.Data.RateLimit.ResetAt)
	}

	records := make([]block.Record, 0, len(parsed.Data.Nodes))
	for _, n := range parsed.Data.Nodes {
		if n == nil {
			continue
		}
		records = append(records, block.Record(n))
	}

	next := bumpEmptyPages(s, len(records))
	next = stateCommon(next)
	return block.Chunk{OK: true, Records: records, State: next}
}

func (a *gitHubAdapter) sleepUntilReset(ctx context.Context, resetAt string) {
	t, err := time.Parse(time.RFC3339, resetAt)
	if err != nil {
		SleepCtx(ctx, time.Second)
		return
	}
	d := time.Until(t) + time.Second
	metrics.RateLimitSleepSeconds.WithLabelValues("github").Add(d.Seconds())
	SleepCtx(ctx, d)
}

// fail never contributes records; it bumps empty_page_count, the
// "internal error counter" a failed chunk is permitted to advance, so a
// persistently failing hoster still terminates the block eventually.
func (a *gitHubAdapter) fail(s block.State) block.Chunk {
	next := bumpEmptyPages(s, 0)
	next = stateCommon(next)
	return block.Chunk{OK: false, State: next}
}
