package worker

import (
	"os"
	"time"

	"blockcrawl/internal/platform/config"
)

// Options is the immutable configuration loaded once at startup, carrying
// the indexer URL, credentials, user agent, and retry bounds. No reloading.
type Options struct {
	IndexerBaseURL string
	IndexerAPIKey  string
	UserAgent      string
	MachineID      string
	PidfilePath    string
	MetricsAddr    string
	MaxErrors      int
	PollInterval   time.Duration
}

// FromConfig reads CRAWLER_-prefixed environment variables into Options,
// matching the Must*/May* accessor pattern used across this codebase's
// other module configuration layers.
func FromConfig(cfg config.Conf) Options {
	c := cfg.Prefix("CRAWLER_")
	machineID := c.MayString("MACHINE_ID", "")
	if machineID == "" {
		if h, err := os.Hostname(); err == nil {
			machineID = h
		}
	}
	return Options{
		IndexerBaseURL: c.MustString("INDEXER_URL"),
		IndexerAPIKey:  c.MayString("INDEXER_API_KEY", ""),
		UserAgent:      c.MayString("USER_AGENT_SUFFIX", "blockcrawl-worker"),
		MachineID:      machineID,
		PidfilePath:    c.MayString("PIDFILE_PATH", defaultPidfilePath(machineID)),
		MetricsAddr:    c.MayString("METRICS_ADDR", ""),
		MaxErrors:      c.MayInt("MAX_ERRORS", 5),
		PollInterval:   c.MayDuration("POLL_INTERVAL", 0),
	}
}

func defaultPidfilePath(machineID string) string {
	name := "blockcrawl-worker"
	if machineID != "" {
		name += "-" + machineID
	}
	return os.TempDir() + string(os.PathSeparator) + name + ".pid"
}
