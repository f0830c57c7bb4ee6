package models

import (
	"volprep/pkg/geometry"
)

// Volume is a dense 3D intensity or label array. The third axis is depth or
// time, depending on the acquisition.
type Volume struct {
	// Data is the 3D volume data as a 1D array, x varying fastest
	// (idx = z*Width*Height + y*Width + x)
	Data []float64

	// Width is the size along the first voxel axis
	Width int

	// Height is the size along the second voxel axis
	Height int

	// Depth is the size along the third voxel axis (slices or frames)
	Depth int

	// VoxelSize is the physical size of each voxel, taken from the affine
	VoxelSize struct {
		X, Y, Z float64
	}

	// Affine maps voxel indices to world coordinates
	Affine geometry.Affine
}

// NewVolume allocates a zero-filled volume and derives the voxel size from
// the affine.
func NewVolume(width, height, depth int, affine geometry.Affine) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.SetAffine(affine)
	return v
}

// SetAffine replaces the affine and refreshes VoxelSize.
func (v *Volume) SetAffine(affine geometry.Affine) {
	v.Affine = affine
	s := affine.Spacing()
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = s[0], s[1], s[2]
}

// Shape returns (Width, Height, Depth).
func (v *Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Spacing returns VoxelSize as an array.
func (v *Volume) Spacing() [3]float64 {
	return [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z}
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the offset of voxel (x, y, z) in Data.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Scale multiplies every voxel by f in place.
func (v *Volume) Scale(f float64) {
	for i := range v.Data {
		v.Data[i] *= f
	}
}

// TruncateDepth keeps the first n slices along the third axis. Because the
// third axis varies slowest, the kept voxels are a prefix of Data.
func (v *Volume) TruncateDepth(n int) {
	if n < 0 {
		n = 0
	}
	if n >= v.Depth {
		return
	}
	v.Data = v.Data[:n*v.Width*v.Height]
	v.Depth = n
}

// Header is the part of a volume file that describes the voxel grid,
// available without reading the voxel data.
type Header struct {
	// Shape is the voxel grid size along each of the three axes
	Shape [3]int

	// Spacing is the voxel size recorded in the file (pixdim[1:4])
	Spacing [3]float64

	// Affine is the voxel-to-world transform recorded in the file
	Affine geometry.Affine

	// DataType is the on-disk element code
	DataType int16
}
