// Package dsnt implements the differentiable spatial to numerical transform
// (soft-argmax) over probability heatmaps, together with the flat softmax,
// the Euclidean coordinate loss and normalized/pixel coordinate conversion.
//
// Heatmaps have shape [B, C, K, S...] with two or three spatial axes in
// native (row-major) order. Coordinates have shape [B, C, K, D] with the
// spatial components reversed, i.e. ordered (x, y[, z]).
//
// Every forward function has a Backward counterpart that returns the
// vector-Jacobian product, so gradients can be propagated without any
// automatic differentiation framework.
package dsnt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"volprep/pkg/tensor"
)

// leadingAxes is the number of non-spatial axes: batch, channel, keypoint.
const leadingAxes = 3

// layout describes how a heatmap splits into independent spatial slices.
type layout struct {
	slices  int
	spatial []int
	strides []int
	size    int
}

func heatmapLayout(h *tensor.Tensor) (layout, error) {
	d := h.Rank() - leadingAxes
	if d != 2 && d != 3 {
		return layout{}, fmt.Errorf("heatmap must have 2 or 3 spatial axes after [B, C, K], got shape %v", h.Shape())
	}
	shape := h.Shape()
	l := layout{slices: shape[0] * shape[1] * shape[2], spatial: shape[leadingAxes:]}
	l.strides = make([]int, d)
	l.size = 1
	for a := d - 1; a >= 0; a-- {
		l.strides[a] = l.size
		l.size *= l.spatial[a]
	}
	return l, nil
}

// axisIndex returns the index along spatial axis a of flat position p.
func (l layout) axisIndex(p, a int) int {
	return (p / l.strides[a]) % l.spatial[a]
}

func (l layout) coordShape(h *tensor.Tensor) []int {
	return append(h.Shape()[:leadingAxes], len(l.spatial))
}

// NormalizedLinspace returns n values spanning (-1, 1), one at the centre
// of each cell: -(n-1)/n + i*2/n.
func NormalizedLinspace(n int) []float64 {
	out := make([]float64, n)
	first := -float64(n-1) / float64(n)
	for i := range out {
		out[i] = first + float64(i)*2/float64(n)
	}
	return out
}

// PixelLinspace returns 0, 1, ..., n-1.
func PixelLinspace(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// axisValues returns the coordinate value vector of every spatial axis.
func axisValues(spatial []int, normalized bool) [][]float64 {
	values := make([][]float64, len(spatial))
	for a, n := range spatial {
		if normalized {
			values[a] = NormalizedLinspace(n)
		} else {
			values[a] = PixelLinspace(n)
		}
	}
	return values
}

func checkValues(l layout, values [][]float64) error {
	if len(values) != len(l.spatial) {
		return fmt.Errorf("got %d value vectors for %d spatial axes", len(values), len(l.spatial))
	}
	for a, v := range values {
		if len(v) != l.spatial[a] {
			return fmt.Errorf("value vector %d has length %d, axis has %d", a, len(v), l.spatial[a])
		}
	}
	return nil
}

// LinearExpectation returns, for each spatial axis in native order, the
// inner product of the axis marginal with values[axis]. The result has
// shape [B, C, K, D] in native axis order.
func LinearExpectation(h *tensor.Tensor, values [][]float64) (*tensor.Tensor, error) {
	l, err := heatmapLayout(h)
	if err != nil {
		return nil, err
	}
	if err := checkValues(l, values); err != nil {
		return nil, err
	}

	d := len(l.spatial)
	out := tensor.New(l.coordShape(h)...)
	marginals := make([][]float64, d)
	for a := range marginals {
		marginals[a] = make([]float64, l.spatial[a])
	}
	for s := 0; s < l.slices; s++ {
		slice := h.Data[s*l.size : (s+1)*l.size]
		for a := range marginals {
			floats.Scale(0, marginals[a])
		}
		for p, v := range slice {
			for a := 0; a < d; a++ {
				marginals[a][l.axisIndex(p, a)] += float64(v)
			}
		}
		for a := 0; a < d; a++ {
			out.Data[s*d+a] = float32(floats.Dot(marginals[a], values[a]))
		}
	}
	return out, nil
}

// LinearExpectationBackward returns the gradient with respect to the
// heatmap given the gradient of the native-order expectations.
func LinearExpectationBackward(h *tensor.Tensor, values [][]float64, grad *tensor.Tensor) (*tensor.Tensor, error) {
	l, err := heatmapLayout(h)
	if err != nil {
		return nil, err
	}
	if err := checkValues(l, values); err != nil {
		return nil, err
	}
	if want := l.coordShape(h); !sameShape(grad.Shape(), want) {
		return nil, fmt.Errorf("gradient shape %v, want %v", grad.Shape(), want)
	}

	d := len(l.spatial)
	out := tensor.New(h.Shape()...)
	for s := 0; s < l.slices; s++ {
		g := grad.Data[s*d : (s+1)*d]
		dst := out.Data[s*l.size : (s+1)*l.size]
		for p := range dst {
			var sum float64
			for a := 0; a < d; a++ {
				sum += float64(g[a]) * values[a][l.axisIndex(p, a)]
			}
			dst[p] = float32(sum)
		}
	}
	return out, nil
}

// SoftArgmax returns the expected coordinates of h, ordered (x, y[, z]).
// With normalized set the coordinates lie in (-1, 1); otherwise they are
// pixel indices.
func SoftArgmax(h *tensor.Tensor, normalized bool) (*tensor.Tensor, error) {
	l, err := heatmapLayout(h)
	if err != nil {
		return nil, err
	}
	native, err := LinearExpectation(h, axisValues(l.spatial, normalized))
	if err != nil {
		return nil, err
	}
	reverseLast(native)
	return native, nil
}

// SoftArgmaxBackward returns the heatmap gradient for a gradient on the
// (x, y[, z]) coordinates returned by SoftArgmax.
func SoftArgmaxBackward(h *tensor.Tensor, normalized bool, grad *tensor.Tensor) (*tensor.Tensor, error) {
	l, err := heatmapLayout(h)
	if err != nil {
		return nil, err
	}
	native := grad.Clone()
	reverseLast(native)
	return LinearExpectationBackward(h, axisValues(l.spatial, normalized), native)
}

// DSNT is SoftArgmax in normalized coordinates.
func DSNT(h *tensor.Tensor) (*tensor.Tensor, error) {
	return SoftArgmax(h, true)
}

// FlatSoftmax normalizes every [b, c, k] slice of h to a probability
// distribution over all of its spatial positions.
func FlatSoftmax(h *tensor.Tensor) (*tensor.Tensor, error) {
	l, err := heatmapLayout(h)
	if err != nil {
		return nil, err
	}
	out := tensor.New(h.Shape()...)
	buf := make([]float64, l.size)
	for s := 0; s < l.slices; s++ {
		src := h.Data[s*l.size : (s+1)*l.size]
		for i, v := range src {
			buf[i] = float64(v)
		}
		peak := floats.Max(buf)
		for i := range buf {
			buf[i] = math.Exp(buf[i] - peak)
		}
		floats.Scale(1/floats.Sum(buf), buf)
		dst := out.Data[s*l.size : (s+1)*l.size]
		for i, v := range buf {
			dst[i] = float32(v)
		}
	}
	return out, nil
}

// FlatSoftmaxBackward returns the input gradient given the softmax output
// y and the output gradient g: y * (g - <g, y>) per slice.
func FlatSoftmaxBackward(y, grad *tensor.Tensor) (*tensor.Tensor, error) {
	l, err := heatmapLayout(y)
	if err != nil {
		return nil, err
	}
	if !y.SameShape(grad) {
		return nil, fmt.Errorf("gradient shape %v does not match output shape %v", grad.Shape(), y.Shape())
	}
	out := tensor.New(y.Shape()...)
	ys := make([]float64, l.size)
	gs := make([]float64, l.size)
	for s := 0; s < l.slices; s++ {
		lo := s * l.size
		for i := range ys {
			ys[i] = float64(y.Data[lo+i])
			gs[i] = float64(grad.Data[lo+i])
		}
		dot := floats.Dot(ys, gs)
		for i := range ys {
			out.Data[lo+i] = float32(ys[i] * (gs[i] - dot))
		}
	}
	return out, nil
}

// EuclideanLosses returns the L2 distance between a and b over the last
// axis. The inputs must have the same shape, e.g. [B, L, D] giving [B, L].
func EuclideanLosses(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("input tensors must have the same shape, got %v and %v", a.Shape(), b.Shape())
	}
	if a.Rank() == 0 {
		return nil, fmt.Errorf("coordinates need at least one axis")
	}
	d := a.Dim(-1)
	out := tensor.New(a.Shape()[:a.Rank()-1]...)
	x := make([]float64, d)
	y := make([]float64, d)
	for i := range out.Data {
		for j := 0; j < d; j++ {
			x[j] = float64(a.Data[i*d+j])
			y[j] = float64(b.Data[i*d+j])
		}
		out.Data[i] = float32(floats.Distance(x, y, 2))
	}
	return out, nil
}

// EuclideanLossesBackward returns the gradients with respect to a and b
// for a gradient on the losses. Points where a equals b get a zero
// gradient.
func EuclideanLossesBackward(a, b, grad *tensor.Tensor) (gradA, gradB *tensor.Tensor, err error) {
	losses, err := EuclideanLosses(a, b)
	if err != nil {
		return nil, nil, err
	}
	if !losses.SameShape(grad) {
		return nil, nil, fmt.Errorf("gradient shape %v, want %v", grad.Shape(), losses.Shape())
	}
	d := a.Dim(-1)
	gradA = tensor.New(a.Shape()...)
	gradB = tensor.New(a.Shape()...)
	for i, norm := range losses.Data {
		if norm == 0 {
			continue
		}
		scale := grad.Data[i] / norm
		for j := 0; j < d; j++ {
			k := i*d + j
			g := scale * (a.Data[k] - b.Data[k])
			gradA.Data[k] = g
			gradB.Data[k] = -g
		}
	}
	return gradA, gradB, nil
}

// NormalizedToPixel converts (x, y[, z]) coordinates in (-1, 1) to pixel
// coordinates: 0.5 * ((c + 1) * s - 1). size is given in native axis
// order, e.g. (height, width), and is reversed to match the coordinates.
func NormalizedToPixel(coords *tensor.Tensor, size []int) (*tensor.Tensor, error) {
	return convert(coords, size, func(c, s float64) float64 { return 0.5 * ((c+1)*s - 1) })
}

// PixelToNormalized is the inverse of NormalizedToPixel: (2c + 1) / s - 1.
func PixelToNormalized(coords *tensor.Tensor, size []int) (*tensor.Tensor, error) {
	return convert(coords, size, func(c, s float64) float64 { return (2*c+1)/s - 1 })
}

// NormalizedToPixelBackward scales a pixel-coordinate gradient back to
// normalized coordinates.
func NormalizedToPixelBackward(grad *tensor.Tensor, size []int) (*tensor.Tensor, error) {
	return convert(grad, size, func(g, s float64) float64 { return 0.5 * s * g })
}

// PixelToNormalizedBackward scales a normalized-coordinate gradient back to
// pixel coordinates.
func PixelToNormalizedBackward(grad *tensor.Tensor, size []int) (*tensor.Tensor, error) {
	return convert(grad, size, func(g, s float64) float64 { return 2 / s * g })
}

func convert(coords *tensor.Tensor, size []int, f func(c, s float64) float64) (*tensor.Tensor, error) {
	d := len(size)
	if coords.Rank() == 0 || coords.Dim(-1) != d {
		return nil, fmt.Errorf("coordinates of shape %v do not match %d-d size", coords.Shape(), d)
	}
	reversed := make([]float64, d)
	for j, s := range size {
		if s <= 0 {
			return nil, fmt.Errorf("size %v must be positive", size)
		}
		reversed[d-1-j] = float64(s)
	}
	out := tensor.New(coords.Shape()...)
	for i, c := range coords.Data {
		out.Data[i] = float32(f(float64(c), reversed[i%d]))
	}
	return out, nil
}

// reverseLast reverses the last axis of t in place.
func reverseLast(t *tensor.Tensor) {
	d := t.Dim(-1)
	for i := 0; i < len(t.Data); i += d {
		row := t.Data[i : i+d]
		for l, r := 0, d-1; l < r; l, r = l+1, r-1 {
			row[l], row[r] = row[r], row[l]
		}
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
