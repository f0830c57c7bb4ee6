// Package spacing estimates a representative voxel spacing for a dataset
// from the headers of a random subset of its volumes.
package spacing

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"volprep/internal/models"
)

// DefaultSamples is the number of headers read when no count is given.
const DefaultSamples = 100

// HeaderReader reads volume headers without loading voxel data.
type HeaderReader interface {
	ReadHeader(ctx context.Context, path string) (*models.Header, error)
}

// Estimator averages the spacing over at most Samples headers.
type Estimator struct {
	Reader  HeaderReader
	Samples int
	// Workers bounds concurrent header reads; values below 1 mean 1
	Workers int
	// Rand picks the subset; nil uses a randomly seeded generator
	Rand *rand.Rand
}

// Estimate picks at most e.Samples paths at random, reads their headers
// and returns the per-axis arithmetic mean of the recorded spacing.
func (e *Estimator) Estimate(ctx context.Context, paths []string) ([3]float64, error) {
	if len(paths) == 0 {
		return [3]float64{}, models.NewConfigurationError("common_spacing", "cannot estimate spacing from an empty dataset")
	}
	n := e.Samples
	if n <= 0 {
		n = DefaultSamples
	}
	rng := e.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	picked := append([]string(nil), paths...)
	rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	picked = picked[:min(n, len(picked))]

	perAxis := [3][]float64{}
	for i := range perAxis {
		perAxis[i] = make([]float64, len(picked))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.Workers, 1))
	for i, p := range picked {
		g.Go(func() error {
			h, err := e.Reader.ReadHeader(gctx, p)
			if err != nil {
				return &models.DataIntegrityError{Path: p, Err: err}
			}
			for axis := 0; axis < 3; axis++ {
				perAxis[axis][i] = h.Spacing[axis]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return [3]float64{}, fmt.Errorf("estimate common spacing: %w", err)
	}

	var mean [3]float64
	for axis := range mean {
		mean[axis] = stat.Mean(perAxis[axis], nil)
	}
	return mean, nil
}
