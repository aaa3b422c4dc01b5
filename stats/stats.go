// Package stats has helpers for running statistics on metric values.
package stats

import (
	"fmt"
	"html/template"
	"math"
)

// Calc exponentional moving average
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
// All state is exported so that an Average survives a gob round trip.
type Average struct {
	Count    float64
	Mean     float64
	M2       float64
	StdDev   float64
	Min, Max float64
	Last     float64
}

func (s *Average) Add(x float64) {
	s.Count++
	s.Last = x
	if s.Count == 1 {
		s.Mean, s.M2, s.StdDev = x, 0, 0
		s.Min, s.Max = x, x
		return
	}
	delta := x - s.Mean
	s.Mean += delta / s.Count
	s.M2 += delta * (x - s.Mean)
	s.StdDev = math.Sqrt(s.M2 / (s.Count - 1))
	s.Min = math.Min(s.Min, x)
	s.Max = math.Max(s.Max, x)
}

// Variance returns the sample variance
func (s *Average) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / (s.Count - 1)
}

func (s *Average) String() string {
	return fmt.Sprintf("%.4g±%.2g (n=%d)", s.Mean, s.StdDev, int(s.Count))
}

func (s *Average) HTML() template.HTML {
	var text string
	if s.Mean > 10 {
		if s.StdDev < 0.1 {
			text = fmt.Sprintf("%.1f", s.Mean)
		} else {
			text = fmt.Sprintf("%.1f&PlusMinus;%.1f", s.Mean, s.StdDev)
		}
	} else {
		if s.StdDev < 0.01 {
			text = fmt.Sprintf("%.2f", s.Mean)
		} else {
			text = fmt.Sprintf("%.2f&PlusMinus;%.2f", s.Mean, s.StdDev)
		}
	}
	return template.HTML(text)
}
