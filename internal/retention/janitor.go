// Package retention prunes terminal runs past their TTL. When an
// archive directory is configured, a cycle first writes the doomed
// records to local JSONL files; archiving is fail-safe, so a failed
// write keeps the data in the hot store until the next cycle.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/config"
	"github.com/kilnworks/kiln/internal/store"
)

// Janitor periodically sweeps expired runs out of the store.
type Janitor struct {
	store    store.Store
	ttl      time.Duration
	interval time.Duration
	archiver *Archiver
}

// NewJanitor creates a janitor for the given policy. A zero RunTTL
// keeps runs forever. archiver may be nil to prune without archiving.
func NewJanitor(s store.Store, cfg config.RetentionConfig, archiver *Archiver) *Janitor {
	interval := cfg.SweepInterval
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:    s,
		ttl:      cfg.RunTTL,
		interval: interval,
		archiver: archiver,
	}
}

// Start blocks until ctx is cancelled, sweeping once immediately and
// then on every tick. With retention disabled it returns right away.
func (j *Janitor) Start(ctx context.Context) {
	if j.ttl <= 0 {
		log.Info().Msg("Run retention disabled, keeping runs forever")
		return
	}

	log.Info().
		Dur("ttl", j.ttl).
		Dur("interval", j.interval).
		Bool("archive", j.archiver != nil).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	if _, err := j.Sweep(ctx); err != nil {
		log.Warn().Err(err).Msg("Retention cycle error")
	}
}

// Sweep performs one retention cycle and returns how many runs were
// pruned. Runs still pending or running are never touched.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.ttl <= 0 {
		return 0, nil
	}
	start := time.Now()
	cutoff := time.Now().UTC().Add(-j.ttl)

	if j.archiver != nil {
		expired, err := j.store.ExpiredRuns(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("list expired runs: %w", err)
		}
		if len(expired) == 0 {
			return 0, nil
		}
		if err := j.archiver.Archive(ctx, expired); err != nil {
			return 0, fmt.Errorf("archive expired runs: %w", err)
		}
	}

	pruned, err := j.store.PruneRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		log.Info().
			Int("pruned", pruned).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return pruned, nil
}
