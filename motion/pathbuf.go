// Package motion holds the path buffer and the 1 ms motion engine that
// consumes it: physical-coordinate interpolation, termination
// predicates, homing offsets and the adaptive EDM feed loop.
package motion

import "math"

// Resolution is the discrete notch size along a path, in millimetres.
const Resolution = 0.005

// historySize bounds retraction: at most historySize-1 notches (~1 mm)
// of fine-grained history are retained.
const historySize = 201

// Pos is a physical position in millimetres.
type Pos struct {
	X, Y, Z float64
}

// Dist returns the Euclidean distance between two positions.
func (p Pos) Dist(q Pos) float64 {
	dx := q.X - p.X
	dy := q.Y - p.Y
	dz := q.Z - p.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Axis returns a coordinate by axis index (0=X, 1=Y, 2=Z).
func (p Pos) Axis(i int) float64 {
	switch i {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// SetAxis sets a coordinate by axis index.
func (p *Pos) SetAxis(i int, v float64) {
	switch i {
	case 0:
		p.X = v
	case 1:
		p.Y = v
	default:
		p.Z = v
	}
}

// interp linearly interpolates between a and b; t outside [0,1]
// extrapolates.
func interp(a, b Pos, t float64) Pos {
	return Pos{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}

type segment struct {
	src, dst Pos
	length   float64
	notches  int
	end      bool
}

func newSegment(src, dst Pos, end bool) segment {
	length := src.Dist(dst)
	return segment{
		src:     src,
		dst:     dst,
		length:  length,
		notches: int(math.Floor(length/Resolution + 0.5)),
		end:     end,
	}
}

// PathBuffer is a two-segment lookahead over a piecewise-linear path.
// It tracks a discrete notch position along the current segment,
// accumulates sub-notch movement across calls, and keeps a bounded
// history window for retraction. Promoting to the next segment discards
// the history.
type PathBuffer struct {
	cur     segment
	next    segment
	hasNext bool

	notch int     // notches into cur
	frac  float64 // accumulated sub-notch movement in mm
	hist  int     // retractable notches
	atEnd bool
}

// Init seeds the buffer with one segment and clears position, fraction
// and history.
func (pb *PathBuffer) Init(src, dst Pos, end bool) {
	pb.cur = newSegment(src, dst, end)
	pb.hasNext = false
	pb.notch = 0
	pb.frac = 0
	pb.hist = 0
	pb.atEnd = pb.cur.end && pb.cur.notches == 0
}

// Write fills the next slot, continuing from the current segment's
// destination. It reports false if the slot is occupied or the current
// segment is final.
func (pb *PathBuffer) Write(dst Pos, end bool) bool {
	if !pb.CanWrite() {
		return false
	}
	pb.next = newSegment(pb.cur.dst, dst, end)
	pb.hasNext = true
	return true
}

// CanWrite reports whether the next slot is free.
func (pb *PathBuffer) CanWrite() bool {
	return !pb.cur.end && !pb.hasNext
}

// IsReady reports whether traversal can proceed without underrunning:
// the current segment is final or a next segment is buffered.
func (pb *PathBuffer) IsReady() bool {
	return pb.cur.end || pb.hasNext
}

// AtEnd reports whether the path has been fully traversed.
func (pb *PathBuffer) AtEnd() bool {
	return pb.atEnd
}

// Pos returns the current position, quantised to the notch grid.
func (pb *PathBuffer) Pos() Pos {
	if pb.cur.notches == 0 {
		return pb.cur.dst
	}
	t := float64(pb.notch) * Resolution / pb.cur.length
	if t > 1 {
		t = 1
	}
	return interp(pb.cur.src, pb.cur.dst, t)
}

// Move advances (positive delta) or retracts (negative delta) along the
// path by delta millimetres. Sub-notch remainders accumulate across
// calls. Retraction beyond the history window or the segment start
// fails without mutation. Advancing past a final segment clamps and
// sets the end condition.
func (pb *PathBuffer) Move(delta float64) bool {
	total := pb.frac + delta
	q := total / Resolution
	notches := int(q)
	// Absorb float error when the accumulated movement lands on a
	// notch boundary, so retracting an advanced distance is exact.
	if math.Abs(q-math.Round(q)) < 1e-9 {
		notches = int(math.Round(q))
	}
	frac := total - float64(notches)*Resolution

	if notches < 0 {
		if !pb.retract(-notches) {
			return false
		}
	} else {
		pb.advance(notches)
	}
	pb.frac = frac
	return true
}

func (pb *PathBuffer) advance(n int) {
	for i := 0; i < n; i++ {
		if pb.notch < pb.cur.notches {
			pb.notch++
			if pb.hist < historySize-1 {
				pb.hist++
			}
			continue
		}
		if pb.cur.end {
			break
		}
		if !pb.hasNext {
			// Underrun: hold position until the writer catches up.
			break
		}
		pb.cur = pb.next
		pb.hasNext = false
		pb.notch = 0
		pb.hist = 0
		if pb.notch < pb.cur.notches {
			pb.notch++
			pb.hist++
		}
	}
	pb.atEnd = pb.cur.end && pb.notch >= pb.cur.notches
}

func (pb *PathBuffer) retract(n int) bool {
	if n > pb.hist || n > pb.notch {
		return false
	}
	pb.notch -= n
	pb.hist -= n
	pb.atEnd = pb.cur.end && pb.notch >= pb.cur.notches
	return true
}
