package motion

import (
	"math"
	"testing"
)

const tol = Resolution + 1e-4

func TestPosDist(t *testing.T) {
	tests := []struct {
		a, b Pos
		want float64
	}{
		{Pos{0, 0, 0}, Pos{3, 4, 0}, 5},
		{Pos{1, 2, 3}, Pos{1, 2, 3}, 0},
		{Pos{0, 0, 0}, Pos{1, 1, 1}, math.Sqrt(3)},
	}
	for _, tc := range tests {
		if got := tc.a.Dist(tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Dist(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestPathBufferInit(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{10, 0, 0}, false)

	if got := pb.Pos(); got.X != 0 {
		t.Errorf("initial position = %v, want src", got)
	}
	if pb.IsReady() {
		t.Error("not ready: needs next segment or end marker")
	}
	if !pb.CanWrite() {
		t.Error("should accept a next segment")
	}
	if pb.AtEnd() {
		t.Error("should not be at end initially")
	}
}

func TestPathBufferInitEndSegment(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{1, 0, 0}, true)

	if pb.CanWrite() {
		t.Error("cannot write past a final segment")
	}
	if !pb.IsReady() {
		t.Error("final segment should be ready")
	}
}

func TestPathBufferMoveForward(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{1, 0, 0}, true)

	if !pb.Move(0.5) {
		t.Fatal("forward move should succeed")
	}
	if got := pb.Pos(); math.Abs(got.X-0.5) > tol {
		t.Errorf("position = %v, want X=0.5", got)
	}
}

func TestPathBufferRetract(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{1, 0, 0}, true)

	pb.Move(0.5)
	if !pb.Move(-0.2) {
		t.Fatal("retraction within window should succeed")
	}
	if got := pb.Pos(); math.Abs(got.X-0.3) > tol {
		t.Errorf("position after retraction = %v, want X=0.3", got)
	}
}

func TestPathBufferRetractExact(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{1, 0, 0}, true)

	pb.Move(0.5)
	before := pb.Pos()
	pb.Move(0.2)
	if !pb.Move(-0.2) {
		t.Fatal("retraction should succeed")
	}
	if got := pb.Pos(); got != before {
		t.Errorf("retraction should restore position exactly: %v != %v", got, before)
	}
}

func TestPathBufferRetractBeyondWindow(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{10, 0, 0}, true)

	// Way past what the history window (~1 mm) can track.
	pb.Move(5.0)
	before := pb.Pos()
	if pb.Move(-10.0) {
		t.Error("retraction beyond history window should fail")
	}
	if got := pb.Pos(); got != before {
		t.Errorf("failed retraction must not move: %v != %v", got, before)
	}
}

func TestPathBufferMoveToEnd(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{0.5, 0, 0}, true)

	pb.Move(1.0)
	if !pb.AtEnd() {
		t.Error("should be at end after overshooting")
	}
	if got := pb.Pos(); math.Abs(got.X-0.5) > tol {
		t.Errorf("position = %v, want clamp at X=0.5", got)
	}
}

func TestPathBufferWriteAndTraverse(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{1, 0, 0}, false)

	if !pb.Write(Pos{1, 1, 0}, true) {
		t.Fatal("write to empty slot should succeed")
	}

	// Halfway into the second segment of the L-shaped path.
	pb.Move(1.5)
	got := pb.Pos()
	if math.Abs(got.X-1.0) > tol {
		t.Errorf("X = %v, want corner at 1.0", got.X)
	}
	if math.Abs(got.Y-0.5) > tol {
		t.Errorf("Y = %v, want 0.5", got.Y)
	}
}

func TestPathBufferWriteFull(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{1, 0, 0}, false)
	if !pb.Write(Pos{2, 0, 0}, false) {
		t.Fatal("first write should succeed")
	}

	if pb.CanWrite() {
		t.Error("slot should be full after one write")
	}
	if pb.Write(Pos{3, 0, 0}, false) {
		t.Error("write to full slot should be rejected")
	}
	if !pb.IsReady() {
		t.Error("full buffer must be ready")
	}

	// Consume the first segment; the slot frees up.
	pb.Move(1.1)
	if !pb.CanWrite() {
		t.Error("should accept a write after promotion")
	}
}

func TestPathBufferTinyMovements(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{1, 0, 0}, true)

	before := pb.Pos()
	pb.Move(Resolution * 0.5)
	if got := pb.Pos(); got != before {
		t.Errorf("sub-resolution move should not change discrete position: %v", got)
	}

	// Fractions accumulate across calls until they make a notch.
	for i := 0; i < 3; i++ {
		pb.Move(Resolution * 0.3)
	}
	if got := pb.Pos(); got.X < Resolution-1e-9 {
		t.Errorf("accumulated fractions should advance one notch, got %v", got)
	}
}

func TestPathBufferZeroLengthSegment(t *testing.T) {
	var pb PathBuffer
	same := Pos{5, 5, 5}
	pb.Init(same, same, true)

	pb.Move(1.0)
	if !pb.AtEnd() {
		t.Error("zero-length final segment should be at end")
	}
	if got := pb.Pos(); got != same {
		t.Errorf("position = %v, want %v", got, same)
	}
}

func TestPathBufferMidpoint(t *testing.T) {
	var pb PathBuffer
	pb.Init(Pos{}, Pos{2, 0, 0}, true)

	pb.Move(1.0)
	if got := pb.Pos(); math.Abs(got.X-1.0) > tol {
		t.Errorf("midpoint = %v, want X=1.0", got)
	}
}
