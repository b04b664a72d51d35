package hoster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"blockcrawl/internal/block"
	"blockcrawl/internal/httpclient"
	"blockcrawl/internal/metrics"
	"blockcrawl/internal/platform/logger"
)

const (
	gitlabDefaultPerPage = 100
	gitlabRequestTimeout = 30 * time.Second
)

func init() {
	Register("gitlab", newGitLabAdapter)
}

type gitlabAdapter struct {
	apiURL string
	hc     *httpclient.Client
	log    logger.Logger
}

func newGitLabAdapter(hs block.HostingService) (Adapter, error) {
	creds, err := block.ParseCredentials(hs)
	if err != nil {
		return nil, err
	}
	// GitLab wants the token in a PRIVATE-TOKEN header, not Authorization;
	// pass it through ExtraHeaders instead of the client's bearer slot.
	if creds.Kind == block.CredBearer {
		if hs.CrawlerRequestHeaders == nil {
			hs.CrawlerRequestHeaders = map[string]string{}
		}
		hs.CrawlerRequestHeaders["PRIVATE-TOKEN"] = creds.BearerToken
		creds = block.Credentials{Kind: block.CredNone}
	}
	hc := newHTTPClient(hs, creds)
	return &gitlabAdapter{apiURL: hs.APIURL, hc: hc, log: *logger.Named("hoster.gitlab")}, nil
}

func (a *gitlabAdapter) StateFromBlock(b block.Descriptor) block.State {
	return block.State{}
}

func (a *gitlabAdapter) SetState(s block.State) block.State {
	out := s.Clone()
	if _, ok := out["page"]; !ok {
		out["page"] = 1
	}
	if _, ok := out["per_page"]; !ok {
		out["per_page"] = gitlabDefaultPerPage
	}
	return stateCommon(out)
}

func (a *gitlabAdapter) HasNext(s block.State) bool {
	return hasNextCommon(s)
}

func (a *gitlabAdapter) Next(ctx context.Context, s block.State) block.Chunk {
	page := s.Int("page", 1)
	perPage := s.Int("per_page", gitlabDefaultPerPage)

	reqURL := fmt.Sprintf("%s/api/v4/projects", a.apiURL)
	params := url.Values{
		"order_by": {"id"},
		"sort":     {"asc"},
		"page":     {fmt.Sprintf("%d", page)},
		"per_page": {fmt.Sprintf("%d", perPage)},
	}

	resp, err := a.hc.Get(ctx, reqURL, params, gitlabRequestTimeout)
	if err != nil {
		return a.fail(s)
	}
	if resp.StatusCode >= 300 {
		_, _ = httpclient.ReadBody(resp)
		return a.fail(s)
	}

	if remaining, ok := parseIntHeader(resp.Header.Get("RateLimit-Remaining")); ok && remaining == 0 {
		if resetAt, ok := parseIntHeader(resp.Header.Get("RateLimit-Reset")); ok {
			d := time.Until(time.Unix(int64(resetAt), 0))
			a.log.Warn().Dur("sleep", d).Msg("gitlab rate limited")
			metrics.RateLimitSleepSeconds.WithLabelValues("gitlab").Add(d.Seconds())
			SleepCtx(ctx, d)
		}
	}

	raw, err := httpclient.ReadBody(resp)
	if err != nil {
		return a.fail(s)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return a.fail(s)
	}

	records := make([]block.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, block.Record(r))
	}

	next := s.Clone()
	next["page"] = page + 1
	next["per_page"] = perPage
	if len(records) < perPage {
		next["is_done"] = true
	}
	next = bumpEmptyPages(next, len(records))
	next = stateCommon(next)
	return block.Chunk{OK: true, Records: records, State: next}
}

// fail bumps empty_page_count, the "internal error counter" a failed chunk
// is permitted to advance, so a persistently failing hoster still
// terminates the block eventually.
func (a *gitlabAdapter) fail(s block.State) block.Chunk {
	return block.Chunk{OK: false, State: stateCommon(bumpEmptyPages(s, 0))}
}

func parseIntHeader(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
