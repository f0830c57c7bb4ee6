package tensor

import (
	"testing"
)

// TestOffsetRowMajor verifies that the last axis varies fastest
func TestOffsetRowMajor(t *testing.T) {
	tt := New(2, 3, 4)
	if got := tt.Offset(0, 0, 1); got != 1 {
		t.Errorf("Expected offset 1, got %d", got)
	}
	if got := tt.Offset(0, 1, 0); got != 4 {
		t.Errorf("Expected offset 4, got %d", got)
	}
	if got := tt.Offset(1, 2, 3); got != 23 {
		t.Errorf("Expected offset 23, got %d", got)
	}
	tt.Set(7, 1, 2, 3)
	if tt.Data[23] != 7 || tt.At(1, 2, 3) != 7 {
		t.Errorf("Set/At mismatch")
	}
}

// TestStack verifies stacking along a new leading axis
func TestStack(t *testing.T) {
	a := New(2, 2)
	b := New(2, 2)
	for i := range a.Data {
		a.Data[i] = float32(i)
		b.Data[i] = float32(10 + i)
	}

	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if s.Rank() != 3 || s.Dim(0) != 2 || s.Dim(1) != 2 || s.Dim(2) != 2 {
		t.Fatalf("Unexpected shape %v", s.Shape())
	}
	if s.At(1, 1, 0) != 12 {
		t.Errorf("Expected 12, got %f", s.At(1, 1, 0))
	}

	if _, err := Stack([]*Tensor{a, New(3)}); err == nil {
		t.Errorf("Expected an error stacking mismatched shapes")
	}
	if _, err := Stack(nil); err == nil {
		t.Errorf("Expected an error stacking nothing")
	}
}

// TestFromDataSharesData verifies that FromData wraps the slice without copying
func TestFromDataSharesData(t *testing.T) {
	data := make([]float32, 12)
	a, err := FromData(data, 2, 6)
	if err != nil {
		t.Fatalf("FromData failed: %v", err)
	}
	a.Data[5] = 1
	if data[5] != 1 {
		t.Errorf("FromData should share storage")
	}
	if _, err := FromData(data, 5); err == nil {
		t.Errorf("Expected an error for an incompatible shape")
	}
	if a.Dim(-1) != 6 {
		t.Errorf("Expected Dim(-1) = 6, got %d", a.Dim(-1))
	}
}
