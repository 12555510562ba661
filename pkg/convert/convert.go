package convert

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/willibrandon/chronopoint/pkg/checkpoint"
)

// Options controls snapshot conversion
type Options struct {
	// Force recreates images that already exist
	Force bool
	// Compress gzips the image in place after it is written
	Compress bool
	// Workers bounds concurrent conversions in Directory
	Workers int
	// Num converts only Num evenly spaced snapshots when positive
	Num    int
	Logger zerolog.Logger
}

// Checkpoint converts one snapshot. It reports whether a new image was
// created; an existing image is kept unless Force is set.
func Checkpoint(chk *checkpoint.Checkpoint, opts Options) (bool, error) {
	if chk.PhysmemExists() && !opts.Force {
		return false, nil
	}

	manifest, err := chk.Mappings()
	if err != nil {
		return false, fmt.Errorf("failed to load mappings of %s: %w", chk.Name(), err)
	}
	core, err := chk.OpenCore()
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCoreParseFailed, chk.Name(), err)
	}
	defer core.Close()

	tmp := chk.PhysmemPath() + ".tmp"
	if _, err := Materialize(manifest.Mappings, manifest.MemSize, core, tmp); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to convert %s: %w", chk.Name(), err)
	}
	if opts.Compress {
		if err := checkpoint.CompressFileInPlace(tmp); err != nil {
			os.Remove(tmp)
			return false, fmt.Errorf("failed to compress image of %s: %w", chk.Name(), err)
		}
	}
	if err := os.Rename(tmp, chk.PhysmemPath()); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, nil
}

// Result summarizes a directory conversion
type Result struct {
	Created  int
	Existing int
	Invalid  int
	Failed   int
}

// Directory converts the valid snapshots under dir using a bounded number of
// workers. A snapshot that fails to convert is logged and counted; it does not
// stop the others.
func Directory(ctx context.Context, dir string, opts Options) (Result, error) {
	var res Result
	logger := opts.Logger.With().Str("component", "convert").Logger()

	cat, err := checkpoint.NewCatalog(dir)
	if err != nil {
		return res, err
	}
	all, err := cat.List()
	if err != nil {
		return res, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var valid []*checkpoint.Checkpoint
	for _, chk := range all {
		if chk.IsValid() {
			valid = append(valid, chk)
			continue
		}
		logger.Warn().Str("checkpoint", chk.Name()).Msg("not a valid checkpoint, skipping")
		res.Invalid++
	}
	if opts.Num > 0 {
		valid = checkpoint.SelectEvenlySpaced(valid, opts.Num)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))

	var (
		wg                        sync.WaitGroup
		created, existing, failed atomic.Int64
	)
	for _, chk := range valid {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(chk *checkpoint.Checkpoint) {
			defer wg.Done()
			defer sem.Release(1)
			ok, err := Checkpoint(chk, opts)
			switch {
			case err != nil:
				failed.Add(1)
				logger.Error().Err(err).Str("checkpoint", chk.Name()).Msg("conversion failed")
			case ok:
				created.Add(1)
				logger.Info().Str("checkpoint", chk.Name()).Msg("created memory image")
			default:
				existing.Add(1)
				logger.Debug().Str("checkpoint", chk.Name()).Msg("memory image exists")
			}
		}(chk)
	}
	wg.Wait()

	res.Created = int(created.Load())
	res.Existing = int(existing.Load())
	res.Failed = int(failed.Load())
	logger.Info().
		Int("created", res.Created).
		Int("existing", res.Existing).
		Int("invalid", res.Invalid).
		Int("failed", res.Failed).
		Msg("conversion finished")
	return res, ctx.Err()
}
