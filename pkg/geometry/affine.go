// Package geometry holds the voxel-to-world affine transforms attached to
// volumes and the operations the resampler and the shape normalizer need on
// them.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine maps a voxel index (i, j, k, 1) to a world position (x, y, z, 1).
// It is a value type; every operation returns a new transform.
type Affine [4][4]float64

// Identity returns the identity transform.
func Identity() Affine {
	var a Affine
	for i := 0; i < 4; i++ {
		a[i][i] = 1
	}
	return a
}

// FromSpacing returns an axis-aligned transform with the given voxel sizes
// and a zero origin.
func FromSpacing(spacing [3]float64) Affine {
	a := Identity()
	for i := 0; i < 3; i++ {
		a[i][i] = spacing[i]
	}
	return a
}

// FromDense copies a 4x4 gonum matrix into an Affine.
func FromDense(m mat.Matrix) (Affine, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return Affine{}, fmt.Errorf("affine must be 4x4, got %dx%d", r, c)
	}
	var a Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a[i][j] = m.At(i, j)
		}
	}
	return a, nil
}

// Dense returns the transform as a gonum matrix.
func (a Affine) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, a[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// Mul returns a·b.
func (a Affine) Mul(b Affine) Affine {
	var out mat.Dense
	out.Mul(a.Dense(), b.Dense())
	res, _ := FromDense(&out)
	return res
}

// Inverse returns the inverse transform. It fails for singular matrices.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.Dense()); err != nil {
		return Affine{}, fmt.Errorf("invert affine: %w", err)
	}
	return FromDense(&inv)
}

// Apply maps a continuous voxel index to world coordinates.
func (a Affine) Apply(index [3]float64) [3]float64 {
	v := mat.NewVecDense(4, []float64{index[0], index[1], index[2], 1})
	var out mat.VecDense
	out.MulVec(a.Dense(), v)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// Spacing returns the voxel size along each voxel axis, i.e. the norm of
// each of the first three columns.
func (a Affine) Spacing() [3]float64 {
	var s [3]float64
	m := a.Dense()
	for j := 0; j < 3; j++ {
		col := mat.Col(nil, j, m.Slice(0, 3, 0, 4))
		s[j] = mat.Norm(mat.NewVecDense(3, col), 2)
	}
	return s
}

// Origin returns the world position of voxel (0, 0, 0).
func (a Affine) Origin() [3]float64 {
	return [3]float64{a[0][3], a[1][3], a[2][3]}
}

// ScaleShift returns a·S where S maps the index grid of a resampled or
// cropped volume onto the index grid of the source: index i of the new grid
// is index i*scale + offset of the old one.
func (a Affine) ScaleShift(scale, offset [3]float64) Affine {
	s := Identity()
	for i := 0; i < 3; i++ {
		s[i][i] = scale[i]
		s[i][3] = offset[i]
	}
	return a.Mul(s)
}

// Translate shifts the origin by a whole number of voxels along each axis.
func (a Affine) Translate(voxels [3]int) Affine {
	return a.ScaleShift([3]float64{1, 1, 1}, [3]float64{float64(voxels[0]), float64(voxels[1]), float64(voxels[2])})
}

// Equal reports whether a and b agree within tol element-wise.
func (a Affine) Equal(b Affine, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func (a Affine) String() string {
	return fmt.Sprintf("%v", [4][4]float64(a))
}
