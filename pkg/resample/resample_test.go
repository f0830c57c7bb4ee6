package resample

import (
	"context"
	"math"
	"testing"

	"volprep/internal/models"
	"volprep/pkg/geometry"
)

// createTestVolume builds a volume whose value grows linearly along x
func createTestVolume(w, h, d int, spacing [3]float64) *models.Volume {
	vol := models.NewVolume(w, h, d, geometry.FromSpacing(spacing))
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				vol.Set(x, y, z, float64(x))
			}
		}
	}
	return vol
}

// TestNewRequiresSpacing verifies that a missing spacing is a configuration error
func TestNewRequiresSpacing(t *testing.T) {
	_, err := New(nil)
	if err == nil {
		t.Fatal("Expected an error for a missing spacing")
	}
	if !models.IsConfigurationError(err) {
		t.Errorf("Expected a ConfigurationError, got %T", err)
	}

	if _, err := New([]float64{1, 1}); !models.IsConfigurationError(err) {
		t.Errorf("Expected a ConfigurationError for 2 values, got %v", err)
	}
	if _, err := New([]float64{1, 0, 1}); !models.IsConfigurationError(err) {
		t.Errorf("Expected a ConfigurationError for a zero value, got %v", err)
	}
}

// TestResampleShape verifies the output grid size for an anisotropic source
func TestResampleShape(t *testing.T) {
	r, err := New([]float64{0.5, 0.5, 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	vol := createTestVolume(10, 10, 8, [3]float64{1, 1, 2})
	out, err := r.Resample(context.Background(), vol, Linear)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	if out.Shape() != [3]int{20, 20, 8} {
		t.Errorf("Expected shape [20 20 8], got %v", out.Shape())
	}
	if out.Spacing() != [3]float64{0.5, 0.5, 2} {
		t.Errorf("Expected spacing [0.5 0.5 2], got %v", out.Spacing())
	}

	// First output voxel sits a quarter voxel before the source origin
	origin := out.Affine.Origin()
	if math.Abs(origin[0]+0.25) > 1e-9 || math.Abs(origin[2]) > 1e-9 {
		t.Errorf("Unexpected origin %v", origin)
	}
}

// TestResampleIdempotent verifies that resampling at the current spacing is a no-op
func TestResampleIdempotent(t *testing.T) {
	spacings := [][3]float64{{1, 1, 1}, {0.37, 0.37, 1}, {0.3, 0.7, 2.5}}
	for _, sp := range spacings {
		r, err := New(sp[:])
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		vol := createTestVolume(13, 7, 5, sp)
		out, err := r.Resample(context.Background(), vol, Linear)
		if err != nil {
			t.Fatalf("Resample failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if d := out.Shape()[i] - vol.Shape()[i]; d < -1 || d > 1 {
				t.Errorf("Spacing %v: axis %d changed by %d voxels", sp, i, d)
			}
		}
		if out.Shape() == vol.Shape() {
			for i := range vol.Data {
				if math.Abs(out.Data[i]-vol.Data[i]) > 1e-9 {
					t.Fatalf("Spacing %v: voxel %d changed from %f to %f", sp, i, vol.Data[i], out.Data[i])
				}
			}
		}
		if !out.Affine.Equal(vol.Affine, 1e-9) {
			t.Errorf("Spacing %v: affine changed", sp)
		}
	}
}

// TestLinearInterpolation verifies values between source samples
func TestLinearInterpolation(t *testing.T) {
	r, _ := New([]float64{0.5, 1, 1})
	vol := createTestVolume(4, 1, 1, [3]float64{1, 1, 1})

	out, err := r.Resample(context.Background(), vol, Linear)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	// Output index i samples source position i*0.5 - 0.25, clamped to [0, 3]
	want := []float64{0, 0.25, 0.75, 1.25, 1.75, 2.25, 2.75, 3}
	if out.Width != len(want) {
		t.Fatalf("Expected width %d, got %d", len(want), out.Width)
	}
	for x, w := range want {
		if math.Abs(out.At(x, 0, 0)-w) > 1e-9 {
			t.Errorf("x=%d: expected %f, got %f", x, w, out.At(x, 0, 0))
		}
	}
}

// TestNearestPreservesLabels verifies that label maps keep only source classes
func TestNearestPreservesLabels(t *testing.T) {
	vol := models.NewVolume(6, 6, 3, geometry.FromSpacing([3]float64{1, 1, 1}))
	for i := range vol.Data {
		vol.Data[i] = float64(i % 3)
	}

	r, _ := New([]float64{0.4, 0.7, 1.3})
	out, err := r.Resample(context.Background(), vol, Nearest)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	for i, v := range out.Data {
		if v != 0 && v != 1 && v != 2 {
			t.Fatalf("Voxel %d has non-label value %f", i, v)
		}
	}

	lin, err := r.Resample(context.Background(), vol, Linear)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	blended := false
	for _, v := range lin.Data {
		if v != math.Trunc(v) {
			blended = true
			break
		}
	}
	if !blended {
		t.Errorf("Linear interpolation of a label pattern should blend values")
	}
}

// TestResampleCancelled verifies that a cancelled context aborts resampling
func TestResampleCancelled(t *testing.T) {
	r, _ := New([]float64{0.5, 0.5, 0.5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Resample(ctx, createTestVolume(8, 8, 8, [3]float64{1, 1, 1}), Linear); err == nil {
		t.Errorf("Expected an error with a cancelled context")
	}
}

func TestOutputShapeKeepsSingletons(t *testing.T) {
	r, _ := New([]float64{0.5, 0.5, 0.5})
	got := r.OutputShape([3]int{1, 4, 1}, [3]float64{1, 1, 1})
	if got != [3]int{1, 8, 1} {
		t.Errorf("Expected [1 8 1], got %v", got)
	}
}
