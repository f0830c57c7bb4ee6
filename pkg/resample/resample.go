// Package resample moves volumes onto a grid with a given voxel spacing.
//
// Intensity volumes are interpolated linearly; label volumes use nearest
// neighbour so that class identities are never blended. An image and its
// mask share a native grid but must be resampled in separate calls.
package resample

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"volprep/internal/models"
)

// Interpolation selects how voxel values between grid points are computed.
type Interpolation int

const (
	// Linear is trilinear interpolation, for intensities
	Linear Interpolation = iota
	// Nearest picks the closest source voxel, for label maps
	Nearest
)

func (i Interpolation) String() string {
	switch i {
	case Linear:
		return "linear"
	case Nearest:
		return "nearest"
	}
	return fmt.Sprintf("Interpolation(%d)", int(i))
}

// sizeTolerance keeps exact spacing ratios from gaining a voxel to
// floating-point noise in ceil.
const sizeTolerance = 1e-6

// Resampler resamples volumes to a fixed target spacing. It holds no
// mutable state and is safe for concurrent use.
type Resampler struct {
	target  [3]float64
	workers int
}

// New returns a Resampler for the given spacing. A missing or malformed
// spacing is a configuration error.
func New(spacing []float64) (*Resampler, error) {
	if len(spacing) == 0 {
		return nil, &models.ConfigurationError{Field: "common_spacing", Err: models.ErrMissingCommonSpacing}
	}
	if len(spacing) != 3 {
		return nil, models.NewConfigurationError("common_spacing", "need 3 values, got %d", len(spacing))
	}
	var target [3]float64
	for i, s := range spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, models.NewConfigurationError("common_spacing", "axis %d must be positive, got %g", i, s)
		}
		target[i] = s
	}
	return &Resampler{target: target, workers: runtime.NumCPU()}, nil
}

// WithWorkers returns a copy of r using n goroutines per volume.
func (r *Resampler) WithWorkers(n int) *Resampler {
	c := *r
	c.workers = max(n, 1)
	return &c
}

// Target returns the target spacing.
func (r *Resampler) Target() [3]float64 {
	return r.target
}

// OutputShape returns the grid size a volume of the given shape and spacing
// is resampled to.
func (r *Resampler) OutputShape(shape [3]int, spacing [3]float64) [3]int {
	var out [3]int
	for i := 0; i < 3; i++ {
		out[i] = outputSize(shape[i], spacing[i], r.target[i])
	}
	return out
}

func outputSize(n int, oldSpacing, newSpacing float64) int {
	if n <= 1 {
		return n
	}
	exact := float64(n) * oldSpacing / newSpacing
	size := int(math.Ceil(exact - math.Max(exact*sizeTolerance, 1e-9)))
	return max(size, 1)
}

// axisMap describes, for one output axis, where each output index samples
// the source.
type axisMap struct {
	lo, hi []int     // bracketing source indices
	frac   []float64 // weight of hi
	inside []bool    // false outside [-0.5, n-0.5]
}

func buildAxisMap(outN, srcN int, scale, offset float64, interp Interpolation) axisMap {
	m := axisMap{
		lo:     make([]int, outN),
		hi:     make([]int, outN),
		frac:   make([]float64, outN),
		inside: make([]bool, outN),
	}
	for i := 0; i < outN; i++ {
		s := float64(i)*scale + offset
		if srcN == 1 {
			s = 0
		}
		if s < -0.5 || s > float64(srcN)-0.5 {
			continue
		}
		m.inside[i] = true
		s = math.Min(math.Max(s, 0), float64(srcN-1))
		if interp == Nearest {
			idx := int(math.Round(s))
			m.lo[i], m.hi[i] = idx, idx
			continue
		}
		lo := int(math.Floor(s))
		hi := min(lo+1, srcN-1)
		m.lo[i], m.hi[i], m.frac[i] = lo, hi, s-float64(lo)
	}
	return m
}

// Resample returns vol on a grid with the target spacing, together with the
// affine of that grid. The first output voxel centre sits at continuous
// source index 0.5*(new/old - 1) on each axis, so a volume already at the
// target spacing is returned unchanged.
func (r *Resampler) Resample(ctx context.Context, vol *models.Volume, interp Interpolation) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	old := vol.Spacing()
	for i, s := range old {
		if !(s > 0) {
			return nil, fmt.Errorf("source spacing on axis %d is %g", i, s)
		}
	}
	if len(vol.Data) != vol.Len() {
		return nil, fmt.Errorf("volume data has %d voxels, shape %v needs %d", len(vol.Data), vol.Shape(), vol.Len())
	}

	shape := vol.Shape()
	outShape := r.OutputShape(shape, old)

	var scale, offset [3]float64
	var maps [3]axisMap
	for i := 0; i < 3; i++ {
		scale[i] = r.target[i] / old[i]
		if shape[i] > 1 {
			offset[i] = 0.5 * (scale[i] - 1)
		}
		maps[i] = buildAxisMap(outShape[i], shape[i], scale[i], offset[i], interp)
	}

	out := models.NewVolume(outShape[0], outShape[1], outShape[2], vol.Affine.ScaleShift(scale, offset))

	// Process output slices in parallel, one z plane per task
	workers := max(min(r.workers, outShape[2]), 1)
	zChan := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for z := range zChan {
				resampleSlice(vol, out, maps, z, interp)
			}
		}()
	}

	var err error
feed:
	for z := 0; z < outShape[2]; z++ {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case zChan <- z:
		}
	}
	close(zChan)
	wg.Wait()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func resampleSlice(src, dst *models.Volume, maps [3]axisMap, z int, interp Interpolation) {
	mx, my, mz := maps[0], maps[1], maps[2]
	if !mz.inside[z] {
		return
	}
	plane := src.Width * src.Height
	for y := 0; y < dst.Height; y++ {
		if !my.inside[y] {
			continue
		}
		for x := 0; x < dst.Width; x++ {
			if !mx.inside[x] {
				continue
			}
			var v float64
			if interp == Nearest {
				v = src.Data[mz.lo[z]*plane+my.lo[y]*src.Width+mx.lo[x]]
			} else {
				v = trilinear(src, plane, mx.lo[x], mx.hi[x], mx.frac[x], my.lo[y], my.hi[y], my.frac[y], mz.lo[z], mz.hi[z], mz.frac[z])
			}
			dst.Data[dst.Index(x, y, z)] = v
		}
	}
}

func trilinear(src *models.Volume, plane, x0, x1 int, fx float64, y0, y1 int, fy float64, z0, z1 int, fz float64) float64 {
	w := src.Width
	at := func(x, y, z int) float64 { return src.Data[z*plane+y*w+x] }

	c00 := at(x0, y0, z0)*(1-fx) + at(x1, y0, z0)*fx
	c10 := at(x0, y1, z0)*(1-fx) + at(x1, y1, z0)*fx
	c01 := at(x0, y0, z1)*(1-fx) + at(x1, y0, z1)*fx
	c11 := at(x0, y1, z1)*(1-fx) + at(x1, y1, z1)*fx

	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}
