package datamodule

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"volprep/internal/logging"
	"volprep/internal/models"
	"volprep/pkg/dataset"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Workers is the number of concurrent Get calls; values below 1 mean 1
	Workers int

	// BatchSize is the number of samples per delivered batch
	BatchSize int

	// Prefetch bounds the samples loaded ahead of the consumer; zero means
	// twice the worker count
	Prefetch int

	// Shuffle visits the samples in a permutation drawn from Seed and the
	// pass number
	Shuffle bool
	Seed    int64

	Logger *slog.Logger
}

// Batch is a group of consecutive samples in visiting order.
type Batch struct {
	Indices []int
	Records []models.SampleRecord
	Samples []*dataset.Sample
}

// Loader runs a dataset through a bounded worker pool and delivers the
// samples in visiting order.
type Loader struct {
	ds     *dataset.Dataset
	opts   LoaderOptions
	logger *slog.Logger
	pass   uint64
}

// NewLoader returns a Loader over ds.
func NewLoader(ds *dataset.Dataset, opts LoaderOptions) *Loader {
	opts.Workers = max(opts.Workers, 1)
	opts.BatchSize = max(opts.BatchSize, 1)
	if opts.Prefetch <= 0 {
		opts.Prefetch = 2 * opts.Workers
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Loader{ds: ds, opts: opts, logger: logger}
}

// Order returns the visiting order of the next pass.
func (l *Loader) Order() []int {
	n := l.ds.Len()
	if !l.opts.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewPCG(uint64(l.opts.Seed), l.pass)).Perm(n)
}

// Run loads every sample once and calls fn with each batch, in order. The
// first Get or fn error cancels the pass and is returned as is. After a
// complete pass the dataset moves to its next epoch.
func (l *Loader) Run(ctx context.Context, fn func(Batch) error) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	order := l.Order()
	results := make([]chan *dataset.Sample, len(order))
	for i := range results {
		results[i] = make(chan *dataset.Sample, 1)
	}
	ahead := make(chan struct{}, l.opts.Prefetch)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Workers)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for pos, idx := range order {
			select {
			case ahead <- struct{}{}:
			case <-gctx.Done():
				return
			}
			if gctx.Err() != nil {
				return
			}
			g.Go(func() error {
				s, err := l.ds.Get(gctx, idx)
				if err != nil {
					return err
				}
				results[pos] <- s
				return nil
			})
		}
	}()

	var fnErr error
	batch := Batch{}
consume:
	for pos, idx := range order {
		select {
		case s := <-results[pos]:
			<-ahead
			batch.Indices = append(batch.Indices, idx)
			batch.Records = append(batch.Records, l.ds.Record(idx))
			batch.Samples = append(batch.Samples, s)
		case <-gctx.Done():
			break consume
		}
		if len(batch.Samples) == l.opts.BatchSize || pos == len(order)-1 {
			if fnErr = fn(batch); fnErr != nil {
				break consume
			}
			batch = Batch{}
		}
	}

	cancel()
	<-dispatched
	err := g.Wait()
	switch {
	case fnErr != nil:
		return fnErr
	case parent.Err() != nil:
		return parent.Err()
	case err != nil:
		return err
	}

	l.pass++
	l.ds.NextEpoch()
	l.logger.Debug("loader pass complete", "samples", len(order), "pass", l.pass)
	return nil
}
