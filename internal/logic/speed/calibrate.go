package speed

import (
	"math"
	"sort"
)

// Logical PWM duty values. The output abstraction scales them to the
// hardware PWM range.
const (
	DutyOff   uint32 = 0
	DutyMin   uint32 = 1
	DutyMax   uint32 = 255
	DutyRange        = DutyMax - DutyMin
)

// Point is a measured calibration pair: at Duty the spindle turns at RPM.
type Point struct {
	RPM  float64 `json:"rpm"`
	Duty float64 `json:"duty"`
}

// Segment is one piece of a piecewise linear spindle model. It applies to
// rpm values below UpperRPM: duty = Slope*rpm - Intercept.
type Segment struct {
	UpperRPM  float64 `json:"upper_rpm"`
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

// Settings is a read-only snapshot of the spindle speed configuration.
// When both Points and Segments are empty the single slope model is used.
type Settings struct {
	RPMMin    float64   `json:"rpm_min"`
	RPMMax    float64   `json:"rpm_max"`
	LaserMode bool      `json:"laser_mode"`
	Points    []Point   `json:"points,omitempty"`
	Segments  []Segment `json:"segments,omitempty"`
}

// Coefficients are precomputed from Settings so that resolving a speed
// needs no division.
type Coefficients struct {
	RPMMin   float64
	RPMMax   float64
	Valid    bool      // false when RPMMin >= RPMMax
	Gradient float64   // single slope model
	Segments []Segment // piecewise model, sorted by UpperRPM; nil for single slope
}

// Calibrate derives the resolver coefficients from s. It runs at init and
// whenever the speed range settings change.
func Calibrate(s Settings) Coefficients {
	c := Coefficients{
		RPMMin: s.RPMMin,
		RPMMax: s.RPMMax,
		Valid:  s.RPMMin < s.RPMMax,
	}
	if !c.Valid {
		return c
	}
	c.Gradient = float64(DutyRange) / (s.RPMMax - s.RPMMin)

	if len(s.Points) >= 2 {
		c.Segments = segmentsFromPoints(s.Points)
	}
	if c.Segments == nil && len(s.Segments) > 0 {
		c.Segments = append([]Segment(nil), s.Segments...)
		sort.SliceStable(c.Segments, func(i, j int) bool {
			return c.Segments[i].UpperRPM < c.Segments[j].UpperRPM
		})
	}
	if n := len(c.Segments); n > 0 {
		// The top segment covers everything up to RPMMax.
		c.Segments[n-1].UpperRPM = math.Inf(1)
	}
	return c
}

// segmentsFromPoints fits one line through each consecutive pair of points.
// It returns nil when no two points differ in rpm.
func segmentsFromPoints(points []Point) []Segment {
	pts := append([]Point(nil), points...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].RPM < pts[j].RPM })

	var segs []Segment
	for i := 1; i < len(pts); i++ {
		lo, hi := pts[i-1], pts[i]
		if hi.RPM == lo.RPM {
			continue
		}
		slope := (hi.Duty - lo.Duty) / (hi.RPM - lo.RPM)
		segs = append(segs, Segment{
			UpperRPM:  hi.RPM,
			Slope:     slope,
			Intercept: slope*lo.RPM - lo.Duty,
		})
	}
	return segs
}
