// Package runner drives a single block descriptor to completion: selects
// the hoster adapter, iterates its chunk sequence to exhaustion or failure,
// and returns the aggregated records.
package runner

import (
	"context"
	"time"

	"blockcrawl/internal/block"
	"blockcrawl/internal/hoster"
	"blockcrawl/internal/metrics"
	"blockcrawl/internal/platform/logger"
)

// Run processes desc to completion and returns the aggregated records. It
// never returns an error for adapter-level failures — those are logged and
// skipped per chunk, matching the Block Runner's "failed chunk never
// propagates to the indexer" contract. The returned slice is empty (never
// nil) when no records were produced, covering sleep, missing-callback, and
// unknown-adapter skip equally; callers (the Worker Loop) treat "empty" as
// "do not PUT" regardless of which of those three caused it.
func Run(ctx context.Context, desc block.Descriptor) []block.Record {
	log := logger.C(logger.WithBlock(ctx, desc.UID, ""))

	if desc.Status == block.StatusSleep {
		waitUntilRetry(ctx, desc.RetryAt, log)
		return []block.Record{}
	}

	if desc.CallbackURL == "" {
		log.Info().Msg("block has no callback_url, skipping")
		return []block.Record{}
	}

	adapter, err := hoster.New(desc.HostingService)
	if err != nil {
		log.Warn().Err(err).Str("hoster_type", desc.HostingService.Type).Msg("unable to build adapter, skipping block")
		return []block.Record{}
	}

	state := adapter.SetState(adapter.StateFromBlock(desc))
	hosterType := desc.HostingService.Type

	records := make([]block.Record, 0)
	for adapter.HasNext(state) {
		select {
		case <-ctx.Done():
			return records
		default:
		}

		chunk := adapter.Next(ctx, state)
		state = chunk.State
		if !chunk.OK {
			log.Warn().Msg("adapter chunk failed, continuing block")
			metrics.ChunksFailed.WithLabelValues(hosterType).Inc()
			continue
		}
		records = append(records, chunk.Records...)
		metrics.RecordsAggregated.WithLabelValues(hosterType).Add(float64(len(chunk.Records)))
	}

	metrics.BlocksProcessed.Inc()
	return records
}

// waitUntilRetry sleeps until retryAt, context-cancelable. A nil or
// past retryAt returns immediately.
func waitUntilRetry(ctx context.Context, retryAt *time.Time, log *logger.Logger) {
	if retryAt == nil {
		return
	}
	d := time.Until(*retryAt)
	if d <= 0 {
		return
	}
	log.Info().Dur("sleep", d).Msg("block is sleeping")
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
