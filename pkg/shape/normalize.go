// Package shape brings resampled volumes to a shape divisible by a fixed
// per-axis factor.
//
// Width and height are always rounded up to the next multiple. The third
// (depth/time) axis is rounded up in evaluation so no frame is lost, and
// rounded down in training so no zero-padded frame reaches the loss.
package shape

import (
	"volprep/internal/models"
)

// Mode selects the rounding rule for the third axis.
type Mode int

const (
	// Train floors the third axis to a multiple of its factor
	Train Mode = iota
	// Eval ceils the third axis to a multiple of its factor
	Eval
)

func (m Mode) String() string {
	if m == Eval {
		return "eval"
	}
	return "train"
}

// ValidateFactor checks that every factor is positive.
func ValidateFactor(by [3]int) error {
	for i, f := range by {
		if f <= 0 {
			return models.NewConfigurationError("shape_divisible_by", "factor %d must be positive, got %d", i, f)
		}
	}
	return nil
}

// TargetShape returns the divisible shape for a volume of the given shape.
// A floored third axis never drops below one factor.
func TargetShape(current [3]int, by [3]int, mode Mode) ([3]int, error) {
	if err := ValidateFactor(by); err != nil {
		return [3]int{}, err
	}
	target := [3]int{
		ceilMultiple(current[0], by[0]),
		ceilMultiple(current[1], by[1]),
	}
	if mode == Eval {
		target[2] = ceilMultiple(current[2], by[2])
	} else {
		target[2] = floorMultiple(current[2], by[2])
		if target[2] == 0 {
			target[2] = by[2]
		}
	}
	return target, nil
}

func ceilMultiple(n, f int) int {
	return (n + f - 1) / f * f
}

func floorMultiple(n, f int) int {
	return n / f * f
}

// Bounds describes, per axis, how many voxels CropOrPad removes (positive)
// or adds (negative) before the first voxel and after the last.
type Bounds struct {
	Before [3]int
	After  [3]int
}

// CenterBounds computes a symmetric crop-or-pad from current to target. An
// odd difference puts the extra voxel on the leading side.
func CenterBounds(current, target [3]int) Bounds {
	var b Bounds
	for i := 0; i < 3; i++ {
		diff := current[i] - target[i]
		if diff >= 0 {
			b.Before[i] = (diff + 1) / 2
			b.After[i] = diff / 2
		} else {
			pad := -diff
			b.Before[i] = -((pad + 1) / 2)
			b.After[i] = -(pad / 2)
		}
	}
	return b
}

// CropOrPad returns a copy of vol with exactly the target shape, cropped or
// zero-padded about the centre. The affine origin follows the new first
// voxel so world positions of kept voxels are unchanged.
func CropOrPad(vol *models.Volume, target [3]int) *models.Volume {
	b := CenterBounds(vol.Shape(), target)
	out := models.NewVolume(target[0], target[1], target[2], vol.Affine.Translate(b.Before))

	for z := 0; z < target[2]; z++ {
		sz := z + b.Before[2]
		if sz < 0 || sz >= vol.Depth {
			continue
		}
		for y := 0; y < target[1]; y++ {
			sy := y + b.Before[1]
			if sy < 0 || sy >= vol.Height {
				continue
			}
			// Copy the overlapping x run in one go
			x0 := max(0, -b.Before[0])
			x1 := min(target[0], vol.Width-b.Before[0])
			if x1 <= x0 {
				continue
			}
			dst := out.Index(x0, y, z)
			src := vol.Index(x0+b.Before[0], sy, sz)
			copy(out.Data[dst:dst+x1-x0], vol.Data[src:src+x1-x0])
		}
	}
	return out
}

// Normalizer applies TargetShape and CropOrPad with a fixed factor and mode.
type Normalizer struct {
	By   [3]int
	Mode Mode
}

// NewNormalizer validates the factor.
func NewNormalizer(by [3]int, mode Mode) (*Normalizer, error) {
	if err := ValidateFactor(by); err != nil {
		return nil, err
	}
	return &Normalizer{By: by, Mode: mode}, nil
}

// Target returns the divisible shape for current.
func (n *Normalizer) Target(current [3]int) [3]int {
	t, _ := TargetShape(current, n.By, n.Mode)
	return t
}

// Apply crops or pads vol to the target shape computed from reference,
// which is normally the resampled intensity shape shared by image and mask.
func (n *Normalizer) Apply(vol *models.Volume, reference [3]int) *models.Volume {
	return CropOrPad(vol, n.Target(reference))
}
