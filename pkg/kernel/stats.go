package kernel

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary holds the descriptive statistics attached to parametric maps and
// export records.
type Summary struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

// Summarize computes min/max/mean/stddev over data. An empty input yields a
// zero summary rather than NaNs so downstream serialization stays clean.
func Summarize(data []float64) Summary {
	if len(data) == 0 {
		return Summary{}
	}
	s := Summary{
		Min:  floats.Min(data),
		Max:  floats.Max(data),
		Mean: stat.Mean(data, nil),
	}
	// The sample standard deviation is undefined for a single sample.
	if len(data) > 1 {
		s.StdDev = stat.StdDev(data, nil)
	}
	return s
}
