package hoster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"blockcrawl/internal/block"
	"blockcrawl/internal/httpclient"
	perr "blockcrawl/internal/platform/errors"
	"blockcrawl/internal/platform/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	bitbucketPageLen        = 100
	bitbucketRequestTimeout = 30 * time.Second
)

func init() {
	Register("bitbucket", newBitbucketAdapter)
}

type bitbucketAdapter struct {
	apiURL   string
	hc       *httpclient.Client
	oauthCfg clientcredentials.Config
	token    *oauth2.Token
	log      logger.Logger
}

func newBitbucketAdapter(hs block.HostingService) (Adapter, error) {
	creds, err := block.ParseCredentials(hs)
	if err != nil {
		return nil, err
	}
	if creds.Kind != block.CredOAuthClientCreds {
		return nil, perr.Configf("bitbucket adapter requires client_id:client_secret credentials")
	}
	return &bitbucketAdapter{
		apiURL: hs.APIURL,
		hc:     newHTTPClient(hs, block.Credentials{Kind: block.CredNone}),
		oauthCfg: clientcredentials.Config{
			ClientID:     creds.OAuthClientID,
			ClientSecret: creds.OAuthClientSecret,
			TokenURL:     creds.OAuthTokenURL,
		},
		log: *logger.Named("hoster.bitbucket"),
	}, nil
}

func (a *bitbucketAdapter) StateFromBlock(b block.Descriptor) block.State {
	return block.State{}
}

func (a *bitbucketAdapter) SetState(s block.State) block.State {
	out := s.Clone()
	if _, ok := out["url"]; !ok {
		out["url"] = fmt.Sprintf("%s/2.0/repositories/?pagelen=%d&sort=-created_on", a.apiURL, bitbucketPageLen)
	}
	return stateCommon(out)
}

func (a *bitbucketAdapter) HasNext(s block.State) bool {
	return hasNextCommon(s)
}

// accessToken returns a valid bearer token, refreshing lazily via the
// client-credentials grant when the cached token is absent or expired.
func (a *bitbucketAdapter) accessToken(ctx context.Context) (string, error) {
	if a.token.Valid() {
		return a.token.AccessToken, nil
	}
	tok, err := a.oauthCfg.Token(ctx)
	if err != nil {
		return "", perr.Wrapf(err, perr.ErrorCodeUnavailable, "bitbucket oauth token refresh")
	}
	a.token = tok
	return tok.AccessToken, nil
}

func (a *bitbucketAdapter) Next(ctx context.Context, s block.State) block.Chunk {
	reqURL := s.String("url", "")
	if reqURL == "" {
		return a.fail(s)
	}

	tok, err := a.accessToken(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("bitbucket token refresh failed")
		return a.fail(s)
	}

	resp, err := a.hc.WithBearer(tok).Get(ctx, reqURL, nil, bitbucketRequestTimeout)
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
		Values []map[string]any `json:"values"`
		Next   string           `json:"next"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return a.fail(s)
	}

	records := make([]block.Record, 0, len(body.Values))
	for _, v := range body.Values {
		records = append(records, block.Record(v))
	}

	next := s.Clone()
	if body.Next != "" {
		next["url"] = body.Next
	} else {
		next["is_done"] = true
	}
	next = bumpEmptyPages(next, len(records))
	next = stateCommon(next)
	return block.Chunk{OK: true, Records: records, State: next}
}

// fail bumps empty_page_count, the "internal error counter" a failed chunk
// is permitted to advance, so a persistently failing hoster still
// terminates the block eventually.
func (a *bitbucketAdapter) fail(s block.State) block.Chunk {
	return block.Chunk{OK: false, State: stateCommon(bumpEmptyPages(s, 0))}
}
