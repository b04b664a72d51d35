// Package hoster defines the common adapter contract every git-hosting
// provider implements, plus the registry the block runner uses to select
// one by hosting_service.type.
package hoster

import (
	"context"
	"time"

	"blockcrawl/internal/block"
	"blockcrawl/internal/httpclient"
	perr "blockcrawl/internal/platform/errors"
)

// maxEmptyPages bounds how many empty or failed pages, counted in total over
// the block run and never reset by a non-empty page, an adapter will
// tolerate before declaring itself done. Kept as a named constant rather
// than inlined since the specific threshold is arbitrary and may need to
// change in one place.
const maxEmptyPages = 10

// Adapter is the capability set every hoster variant implements: derive
// state from a block descriptor, normalize that state idempotently, decide
// whether more pages remain, and pull the next chunk.
type Adapter interface {
	// StateFromBlock derives the initial crawl state from a block
	// descriptor. Deterministic: the same descriptor always yields the
	// same state.
	StateFromBlock(b block.Descriptor) block.State

	// SetState normalizes state, filling adapter-specific defaults. Must
	// be idempotent modulo the monotonic iteration counter.
	SetState(s block.State) block.State

	// HasNext reports whether Next has more work to do for this state.
	HasNext(s block.State) bool

	// Next pulls the next chunk, advancing state. Callers must not call
	// Next again once HasNext returns false.
	Next(ctx context.Context, s block.State) block.Chunk
}

// Factory constructs an Adapter for a hosting service, building whatever
// HTTP client it needs (each hoster attaches different auth) configured
// per hs. It fails with ErrorCodeConfig if required credentials are
// missing for that hoster type.
type Factory func(hs block.HostingService) (Adapter, error)

// registry maps hosting_service.type to its adapter factory. Populated by
// each adapter file's init().
var registry = map[string]Factory{}

// Register adds a factory under the given hoster type name. Called from
// adapter file init() functions.
func Register(hosterType string, f Factory) {
	registry[hosterType] = f
}

// New looks up and constructs the adapter for hs.Type.
func New(hs block.HostingService) (Adapter, error) {
	f, ok := registry[hs.Type]
	if !ok {
		return nil, perr.Configf("unknown hosting service type %q", hs.Type)
	}
	return f(hs)
}

// newHTTPClient builds the httpclient.Client an adapter uses, attaching
// bearer auth when creds carries one and merging the hosting service's
// crawler_request_headers as extra headers on every request.
func newHTTPClient(hs block.HostingService, creds block.Credentials) *httpclient.Client {
	o := httpclient.Options{ExtraHeaders: hs.CrawlerRequestHeaders}
	switch creds.Kind {
	case block.CredBearer:
		o.BearerToken = creds.BearerToken
	case block.CredBasic:
		o.BasicUser, o.BasicPass = creds.BasicUser, creds.BasicPass
	}
	return httpclient.New(o)
}

// stateCommon applies the defaults shared by every adapter's SetState:
// is_done=false, empty_page_count=0, and a bumped iteration counter i. Each
// adapter fills its own defaults first and calls this last, both in SetState
// and on every state a chunk returns.
func stateCommon(s block.State) block.State {
	out := s.Clone()
	if _, ok := out["is_done"]; !ok {
		out["is_done"] = false
	}
	if _, ok := out["empty_page_count"]; !ok {
		out["empty_page_count"] = 0
	}
	out["i"] = out.Int("i", -1) + 1
	return out
}

// hasNextCommon implements the shared has_next test: not done, and the
// empty-page budget is not exhausted. Adapters AND this with their own
// range-specific test.
func hasNextCommon(s block.State) bool {
	if s.Bool("is_done", false) {
		return false
	}
	return s.Int("empty_page_count", 0) < maxEmptyPages
}

// bumpEmptyPages increments empty_page_count when a page yields zero
// records, the single shared implementation backing Testable Property 3
// across all four adapters.
func bumpEmptyPages(s block.State, recordCount int) block.State {
	if recordCount > 0 {
		return s
	}
	out := s.Clone()
	out["empty_page_count"] = s.Int("empty_page_count", 0) + 1
	return out
}

// SleepCtx sleeps for d or returns false early if ctx is canceled first.
// Exported so every adapter's rate-limit and abuse-backoff waits share one
// cancelable-sleep implementation.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
