package worker

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"blockcrawl/internal/metrics"
	perr "blockcrawl/internal/platform/errors"
	"blockcrawl/internal/platform/logger"
	"blockcrawl/internal/runner"

	"github.com/cenkalti/backoff/v4"
)

// Mode selects how the Worker Loop derives the block URL it polls.
type Mode int

const (
	// ModeBlockURL repeatedly polls a single caller-provided block URL.
	ModeBlockURL Mode = iota
	// ModeHosterDomains resolves the indexer's hoster list, keeps the ones
	// whose api_url matches one of the given domains, and cycles through
	// their per-hoster block URLs.
	ModeHosterDomains
	// ModeHosterType repeatedly pulls from the load-balanced endpoint for
	// a single hoster platform type.
	ModeHosterType
)

// Loop is the outermost control loop: acquire a block, run it to
// completion, PUT the results, repeat until the running flag clears.
type Loop struct {
	opts    Options
	indexer *IndexerClient
	running atomic.Bool
	log     *logger.Logger
}

// NewLoop builds a Loop wired to talk to opts.IndexerBaseURL.
func NewLoop(opts Options) *Loop {
	return &Loop{
		opts:    opts,
		indexer: NewIndexerClient(opts.IndexerBaseURL, opts.IndexerAPIKey, opts.UserAgent),
		log:     logger.Named("worker.loop"),
	}
}

// Run drives the loop until the running flag is cleared (by SIGINT/SIGTERM,
// including one relayed by the crawl-stop subcommand) or until the indexer
// is unreachable beyond opts.MaxErrors consecutive failures. Returns the
// process exit code.
func (l *Loop) Run(ctx context.Context, mode Mode, targets []string) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.running.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			l.log.Info().Msg("stop signal received, finishing current block")
			l.running.Store(false)
			cancel()
		}
	}()

	if err := writePidfile(l.opts.PidfilePath); err != nil {
		l.log.Warn().Err(err).Str("path", l.opts.PidfilePath).Msg("unable to write pidfile")
	} else {
		defer removePidfile(l.opts.PidfilePath)
	}

	if l.opts.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, l.opts.MetricsAddr, l.running.Load); err != nil {
				l.log.Warn().Err(err).Msg("metrics endpoint exited")
			}
		}()
	}

	urls, err := l.resolveBlockURLs(ctx, mode, targets)
	if err != nil {
		l.log.Error().Err(err).Msg("unable to resolve block urls")
		return 1
	}

	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.MaxElapsedTime = 0
	consecutiveErrors := 0

	for idx := 0; l.running.Load(); idx++ {
		select {
		case <-ctx.Done():
			return 0
		default:
		}

		// crawl-type re-resolves every iteration since the load-balanced
		// endpoint itself picks the hoster; the other two modes just cycle
		// a fixed list.
		blockURL := urls[idx%len(urls)]

		desc, err := l.indexer.FetchBlock(ctx, blockURL)
		if err != nil {
			consecutiveErrors++
			l.log.Warn().Err(err).Int("consecutive_errors", consecutiveErrors).Str("url", blockURL).
				Msg("indexer fetch failed")
			if consecutiveErrors >= l.opts.MaxErrors {
				l.log.Error().Int("max_errors", l.opts.MaxErrors).Msg("indexer unreachable, exiting")
				return 1
			}
			if !l.sleepCtx(ctx, errBackoff.NextBackOff()) {
				return 0
			}
			continue
		}
		consecutiveErrors = 0
		errBackoff.Reset()

		records := runner.Run(ctx, desc)
		if len(records) > 0 && desc.CallbackURL != "" {
			if err := l.indexer.PutResults(ctx, desc.CallbackURL, records); err != nil {
				l.log.Warn().Err(err).Str("callback_url", desc.CallbackURL).Msg("put results failed")
			}
		}

		if l.opts.PollInterval > 0 {
			if !l.sleepCtx(ctx, l.opts.PollInterval) {
				return 0
			}
		}
	}
	return 0
}

// resolveBlockURLs turns a CLI mode and its targets into the list of block
// URLs the loop cycles through.
func (l *Loop) resolveBlockURLs(ctx context.Context, mode Mode, targets []string) ([]string, error) {
	switch mode {
	case ModeBlockURL:
		if len(targets) == 0 || targets[0] == "" {
			return nil, perr.InvalidArgf("crawl requires a block url")
		}
		return []string{targets[0]}, nil

	case ModeHosterType:
		if len(targets) == 0 || targets[0] == "" {
			return nil, perr.InvalidArgf("crawl-type requires a platform type")
		}
		return []string{l.indexer.LoadBalancedBlockURL(targets[0])}, nil

	case ModeHosterDomains:
		hosters, err := l.indexer.ListHosters(ctx)
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "list hosters")
		}
		wanted := make(map[string]bool, len(targets))
		for _, t := range targets {
			wanted[strings.ToLower(strings.TrimSpace(t))] = true
		}
		var urls []string
		for _, h := range hosters {
			if !wanted[strings.ToLower(domainOf(h.APIURL))] {
				continue
			}
			urls = append(urls, l.indexer.BlockURLByHosterID(h.ID))
		}
		if len(urls) == 0 {
			return nil, perr.InvalidArgf("no hosters matched domains %v", targets)
		}
		return urls, nil

	default:
		return nil, perr.InvalidArgf("unknown worker loop mode")
	}
}

func domainOf(apiURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(apiURL, "https://"), "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

// sleepCtx sleeps for d, returning false early if ctx is canceled first.
func (l *Loop) sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
