package worker

import (
	"context"
	"fmt"
	"time"

	"blockcrawl/internal/block"
	"blockcrawl/internal/httpclient"
	"blockcrawl/internal/platform/decode"
	perr "blockcrawl/internal/platform/errors"
)

const indexerRequestTimeout = 30 * time.Second

// Hoster is one entry from the indexer's /api/v1/hosters listing.
type Hoster struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	APIURL string `json:"api_url"`
}

// IndexerClient talks to the external indexer service: lists hosters,
// fetches block descriptors, and PUTs results to a block's callback.
type IndexerClient struct {
	baseURL string
	hc      *httpclient.Client
}

// NewIndexerClient builds a client authorized with an optional API key,
// sent verbatim as "Authorization: Basic <key>" per §6's wire protocol.
func NewIndexerClient(baseURL, apiKey, userAgent string) *IndexerClient {
	o := httpclient.Options{UserAgent: userAgent}
	if apiKey != "" {
		o.ExtraHeaders = map[string]string{"Authorization": "Basic " + apiKey}
	}
	return &IndexerClient{baseURL: baseURL, hc: httpclient.New(o)}
}

// ListHosters fetches the full hoster roster.
func (c *IndexerClient) ListHosters(ctx context.Context) ([]Hoster, error) {
	resp, err := c.hc.Get(ctx, c.baseURL+"/api/v1/hosters", nil, indexerRequestTimeout)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "list hosters")
	}
	defer func() { _ = resp.Body.Close() }()
	hosters, err := decode.ParseAndValidate[[]Hoster](resp.Body, decode.Options{DisallowUnknown: false})
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeJSON, "decode hosters")
	}
	return hosters, nil
}

// FetchBlock GETs a block descriptor from an absolute block URL (either a
// caller-provided one, or one derived from a hoster id, or the
// loadbalanced_block endpoint for a hoster type).
func (c *IndexerClient) FetchBlock(ctx context.Context, blockURL string) (block.Descriptor, error) {
	resp, err := c.hc.Get(ctx, blockURL, nil, indexerRequestTimeout)
	if err != nil {
		return block.Descriptor{}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "fetch block")
	}
	defer func() { _ = resp.Body.Close() }()
	desc, err := decode.ParseAndValidate[block.Descriptor](resp.Body, decode.Options{DisallowUnknown: false})
	if err != nil {
		return block.Descriptor{}, perr.Wrapf(err, perr.ErrorCodeJSON, "decode block descriptor")
	}
	if desc.Status == "" {
		desc.Status = block.StatusReady
	}
	return desc, nil
}

// BlockURLByHosterID derives a block URL for the given hoster id.
func (c *IndexerClient) BlockURLByHosterID(hosterID string) string {
	return fmt.Sprintf("%s/api/v1/hosters/%s/block", c.baseURL, hosterID)
}

// LoadBalancedBlockURL derives the load-balanced block URL for a hoster
// platform type.
func (c *IndexerClient) LoadBalancedBlockURL(platformType string) string {
	return fmt.Sprintf("%s/api/v1/hosters/%s/loadbalanced_block", c.baseURL, platformType)
}

// PutResults PUTs the aggregated records to callbackURL.
func (c *IndexerClient) PutResults(ctx context.Context, callbackURL string, records []block.Record) error {
	resp, err := c.hc.Put(ctx, callbackURL, records, indexerRequestTimeout)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeUnavailable, "put results")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return httpclient.NewStatusError(resp.StatusCode, "")
	}
	return nil
}
