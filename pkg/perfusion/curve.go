// Package perfusion implements time-intensity curve analysis and
// deconvolution-based parametric mapping of contrast passage series:
// CBF, CBV, MTT and TTP maps, plus abnormality detection against
// configurable hemodynamic bounds.
package perfusion

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/integrate"

	"radquant/internal/models"
)

// ErrDegenerateInput indicates a curve or region with no usable signal, such
// as an empty ROI or an all-zero reference curve.
var ErrDegenerateInput = errors.New("degenerate perfusion input")

// TIC is a time-intensity curve: mean intensity inside a region, one sample
// per frame.
type TIC struct {
	// Times holds the frame timestamps in seconds.
	Times []float64

	// Values holds the mean region intensity at each time point.
	Values []float64

	// VoxelCount is the number of voxels averaged per sample.
	VoxelCount int
}

// CurveMetrics are the scalar descriptors derived from a single curve.
type CurveMetrics struct {
	// PeakIntensity is the curve maximum.
	PeakIntensity float64

	// TimeToPeak is the timestamp of the first maximum, in seconds.
	TimeToPeak float64

	// AUC is the area under the curve by trapezoidal integration.
	AUC float64

	// MTT is the mean transit time estimate AUC/peak, in seconds.
	MTT float64

	// TimeOfMaxSlope is the timestamp where the curve changes fastest,
	// by first-difference magnitude.
	TimeOfMaxSlope float64
}

// ExtractTIC averages the series intensity inside the region frame by frame.
// An ROI that covers no voxels is degenerate.
func ExtractTIC(series *models.TimeSeries, roi *models.ROI) (*TIC, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	if err := roi.Validate(series.Nx, series.Ny, series.Nz); err != nil {
		return nil, err
	}

	mask := roi.MaskFor(series.Nx, series.Ny, series.Nz)
	count := 0
	for _, m := range mask {
		if m {
			count++
		}
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: region covers no voxels", ErrDegenerateInput)
	}

	tic := &TIC{
		Times:      append([]float64(nil), series.Timestamps...),
		Values:     make([]float64, series.NumFrames()),
		VoxelCount: count,
	}
	for f, frame := range series.Frames {
		sum := 0.0
		for idx, m := range mask {
			if m {
				sum += frame[idx]
			}
		}
		tic.Values[f] = sum / float64(count)
	}
	return tic, nil
}

// Metrics computes the scalar curve descriptors. A flat zero curve is
// degenerate because peak-relative quantities are undefined for it.
func (t *TIC) Metrics() (*CurveMetrics, error) {
	n := len(t.Values)
	if n < 2 || len(t.Times) != n {
		return nil, fmt.Errorf("%w: need at least 2 matched samples, got %d values and %d times",
			ErrDegenerateInput, n, len(t.Times))
	}

	m := &CurveMetrics{
		PeakIntensity: t.Values[0],
		TimeToPeak:    t.Times[0],
	}
	for i := 1; i < n; i++ {
		if t.Values[i] > m.PeakIntensity {
			m.PeakIntensity = t.Values[i]
			m.TimeToPeak = t.Times[i]
		}
	}
	if m.PeakIntensity <= 0 {
		return nil, fmt.Errorf("%w: curve has no positive peak", ErrDegenerateInput)
	}

	m.AUC = integrate.Trapezoidal(t.Times, t.Values)
	m.MTT = m.AUC / m.PeakIntensity

	maxSlope := math.Abs((t.Values[1] - t.Values[0]) / (t.Times[1] - t.Times[0]))
	m.TimeOfMaxSlope = t.Times[0]
	for i := 2; i < n; i++ {
		slope := math.Abs((t.Values[i] - t.Values[i-1]) / (t.Times[i] - t.Times[i-1]))
		if slope > maxSlope {
			maxSlope = slope
			m.TimeOfMaxSlope = t.Times[i-1]
		}
	}
	return m, nil
}
