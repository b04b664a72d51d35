// Command blockcrawl-worker is the fleet worker: it repeatedly pulls a
// block descriptor from the indexer, crawls the hoster it names, and PUTs
// the aggregated repository records back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"blockcrawl/internal/platform/config"
	"blockcrawl/internal/platform/logger"
	"blockcrawl/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := logger.Get()
	opts := worker.FromConfig(config.New())

	switch os.Args[1] {
	case "crawl":
		fs := flag.NewFlagSet("crawl", flag.ExitOnError)
		blockURL := fs.String("block-url", "", "block URL to repeatedly process")
		_ = fs.Parse(os.Args[2:])
		if *blockURL == "" {
			log.Panic().Msg("crawl requires --block-url")
		}
		os.Exit(run(opts, worker.ModeBlockURL, []string{*blockURL}))

	case "crawl-hoster":
		fs := flag.NewFlagSet("crawl-hoster", flag.ExitOnError)
		_ = fs.Parse(os.Args[2:])
		domains := fs.Args()
		if len(domains) == 0 {
			log.Panic().Msg("crawl-hoster requires one or more hoster api domains")
		}
		os.Exit(run(opts, worker.ModeHosterDomains, domains))

	case "crawl-type":
		fs := flag.NewFlagSet("crawl-type", flag.ExitOnError)
		_ = fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			log.Panic().Msg("crawl-type requires exactly one platform type")
		}
		os.Exit(run(opts, worker.ModeHosterType, []string{fs.Arg(0)}))

	case "crawl-stop":
		if err := worker.StopRunning(opts.PidfilePath); err != nil {
			log.Error().Err(err).Str("pidfile", opts.PidfilePath).Msg("crawl-stop failed")
			os.Exit(1)
		}

	default:
		usage()
		os.Exit(2)
	}
}

func run(opts worker.Options, mode worker.Mode, targets []string) int {
	return worker.NewLoop(opts).Run(context.Background(), mode, targets)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blockcrawl-worker <crawl --block-url URL | crawl-hoster DOMAIN... | crawl-type TYPE | crawl-stop>")
}
