package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/mp4composer"
)

// runner runs jobs with shared codecs, metrics and progress reporting.
type runner struct {
	log     hclog.Logger
	codecs  mp4composer.CodecSource
	metrics *mp4composer.Metrics
	board   *progressBoard
}

// run transcodes one job and blocks until it finishes.
func (r *runner) run(ctx context.Context, job Job) error {
	cfg, err := job.Config()
	if err != nil {
		return fmt.Errorf("%s: %w", job.Source, err)
	}
	name := filepath.Base(job.Source)
	cfg.Logger = r.log
	cfg.Codecs = r.codecs
	cfg.Metrics = r.metrics
	if r.board != nil {
		cfg.Listener = r.board.listener(name)
	}
	c, err := mp4composer.New(cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", job.Source, err)
	}
	r.log.Debug("job queued", "job", c.ID().String(), "source", job.Source, "output", job.Output)
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", job.Source, err)
	}
	return nil
}

// runBatch runs jobs with at most parallel in flight. A failed job does not
// stop the others; every failure is returned. Cancellation of ctx stops all
// of them.
func (r *runner) runBatch(ctx context.Context, jobs []Job, parallel int) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g := new(errgroup.Group)
	g.SetLimit(max(parallel, 1))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		job := job
		g.Go(func() error {
			if err := r.run(ctx, job); err != nil {
				if !errors.Is(err, mp4composer.ErrCanceled) {
					r.log.Error("job failed", "source", job.Source, "error", err)
				}
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return result.ErrorOrNil()
}
