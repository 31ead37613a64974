package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/pkg/models"
)

// Archiver writes expired runs as JSONL files to a local directory,
// one file per owner per cycle.
//
// Directory layout:
//
//	{dir}/{owner}/runs/2026-02-20T15-04-05Z.jsonl[.gz]
type Archiver struct {
	dir      string
	compress bool
}

// NewArchiver creates a file archiver rooted at dir.
func NewArchiver(dir string, compress bool) *Archiver {
	return &Archiver{dir: dir, compress: compress}
}

// Archive writes the runs grouped by owner. Any failed write aborts
// the whole batch so the janitor can retry it next cycle.
func (a *Archiver) Archive(_ context.Context, runs []models.Run) error {
	byOwner := map[string][]models.Run{}
	for _, r := range runs {
		byOwner[r.OwnerID] = append(byOwner[r.OwnerID], r)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	for owner, batch := range byOwner {
		if err := a.writeBatch(owner, stamp, batch); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) writeBatch(owner, stamp string, batch []models.Run) error {
	dir := filepath.Join(a.dir, owner, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	name := stamp + ".jsonl"
	if a.compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if a.compress {
		gz = gzip.NewWriter(f)
		w = gz
	}

	enc := json.NewEncoder(w)
	for _, r := range batch {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode run %s: %w", r.ID, err)
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("flush archive file: %w", err)
		}
	}

	log.Debug().
		Str("path", path).
		Int("count", len(batch)).
		Str("owner", owner).
		Msg("Archived runs to local file")
	return nil
}

// HealthCheck verifies the archive directory is writable.
func (a *Archiver) HealthCheck() error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	probe := filepath.Join(a.dir, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(probe)
	return nil
}
