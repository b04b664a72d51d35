package hoster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"blockcrawl/internal/block"
	"blockcrawl/internal/httpclient"
	"blockcrawl/internal/platform/logger"
)

const (
	giteaDefaultPerPage = 50
	giteaThrottle       = 100 * time.Millisecond
	giteaRequestTimeout = 30 * time.Second
)

func init() {
	Register("gitea", newGiteaAdapter)
}

type giteaAdapter struct {
	apiURL string
	hc     *httpclient.Client
	log    logger.Logger
}

func newGiteaAdapter(hs block.HostingService) (Adapter, error) {
	creds, err := block.ParseCredentials(hs)
	if err != nil {
		return nil, err
	}
	hc := newHTTPClient(hs, creds)
	return &giteaAdapter{apiURL: hs.APIURL, hc: hc, log: *logger.Named("hoster.gitea")}, nil
}

func (a *giteaAdapter) StateFromBlock(b block.Descriptor) block.State {
	return block.State{}
}

func (a *giteaAdapter) SetState(s block.State) block.State {
	out := s.Clone()
	if _, ok := out["page"]; !ok {
		out["page"] = 1
	}
	if _, ok := out["per_page"]; !ok {
		out["per_page"] = giteaDefaultPerPage
	}
	return stateCommon(out)
}

func (a *giteaAdapter) HasNext(s block.State) bool {
	return hasNextCommon(s)
}

func (a *giteaAdapter) Next(ctx context.Context, s block.State) block.Chunk {
	page := s.Int("page", 1)
	perPage := s.Int("per_page", giteaDefaultPerPage)

	reqURL := fmt.Sprintf("%s/api/v1/repos/search", a.apiURL)
	params := url.Values{
		"sort":  {"created"},
		"limit": {fmt.Sprintf("%d", perPage)},
		"page":  {fmt.Sprintf("%d", page)},
	}

	resp, err := a.hc.Get(ctx, reqURL, params, giteaRequestTimeout)
	if err != nil {
		return a.fail(s)
	}
	if resp.StatusCode >= 300 {
		_, _ = httpclient.ReadBody(resp)
		return a.fail(s)
	}
	raw, err := httpclient.ReadBody(resp)
	if err != nil {
		return a.fail(s)
	}

	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return a.fail(s)
	}

	records := make([]block.Record, 0, len(body.Data))
	for _, r := range body.Data {
		records = append(records, block.Record(r))
	}

	SleepCtx(ctx, giteaThrottle)

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
func (a *giteaAdapter) fail(s block.State) block.Chunk {
	return block.Chunk{OK: false, State: stateCommon(bumpEmptyPages(s, 0))}
}
