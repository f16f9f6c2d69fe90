package perfusion

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/integrate"

	"radquant/internal/models"
	"radquant/pkg/kernel"
)

// MapMode selects the per-voxel flow estimator.
type MapMode int

const (
	// MapModeDeconvolution recovers the residue function of every voxel by
	// truncated-SVD deconvolution against the reference curve. This is the
	// quantitative mode.
	MapModeDeconvolution MapMode = iota

	// MapModeFastRatio estimates flow as the peak ratio of tissue to
	// reference. Cheaper and cruder; useful for previews.
	MapModeFastRatio
)

// String returns the mode name used in logs and reports.
func (m MapMode) String() string {
	switch m {
	case MapModeDeconvolution:
		return "deconvolution"
	case MapModeFastRatio:
		return "fast-ratio"
	default:
		return "unknown"
	}
}

// MTTSentinel marks voxels where the transit time is undefined because the
// flow estimate is effectively zero. A sentinel keeps the maps free of NaNs.
const MTTSentinel = -1.0

// flowEpsilon is the flow floor below which MTT is not computed.
const flowEpsilon = 1e-9

// DefaultRegularization is the relative singular-value cutoff used when the
// caller does not set one.
const DefaultRegularization = 0.1

// ParametricMap is one per-voxel quantity over the series grid, with summary
// statistics over the valid voxels. It carries the grid geometry of its
// source series so it can be exported like any other volume.
type ParametricMap struct {
	Data                         []float64
	Nx, Ny, Nz                   int
	SpacingX, SpacingY, SpacingZ float64
	Unit                         string
	Stats                        kernel.Summary
}

// Maps bundles the four parametric maps of a single run.
type Maps struct {
	CBF *ParametricMap // flow, arbitrary calibrated units
	CBV *ParametricMap // volume fraction, calibrated
	MTT *ParametricMap // seconds, MTTSentinel where flow is zero
	TTP *ParametricMap // seconds

	Mode         MapMode
	Reference    *CurveMetrics
	VoxelVolume  float64 // mm³
	RetainedRank int     // singular values kept, 0 in fast-ratio mode
}

// MapParams configures a map generation run.
type MapParams struct {
	// ReferenceROI selects the arterial input region.
	ReferenceROI models.ROI

	// Regularization is the relative singular-value cutoff in (0, 1].
	// Zero selects DefaultRegularization.
	Regularization float64

	// Calibration scales CBF and CBV into the caller's unit convention.
	// Zero selects 1.
	Calibration float64

	// Mode selects the flow estimator.
	Mode MapMode

	// Lanes is the per-voxel parallelism; 1 selects the sequential path.
	Lanes int
}

// AbnormalityParams bound the normal hemodynamic range. A zero bound
// disables its rule.
type AbnormalityParams struct {
	// FlowBelowFraction flags voxels whose flow falls below this fraction
	// of the mean flow.
	FlowBelowFraction float64

	// TransitAboveSeconds flags voxels whose transit time exceeds this
	// bound.
	TransitAboveSeconds float64
}

// AbnormalityResult is the binary abnormality map with its aggregates.
type AbnormalityResult struct {
	Mask      []bool
	Count     int
	VolumeMM3 float64
	MeanFlow  float64
}

// Engine generates parametric maps from contrast passage series.
type Engine struct {
	log zerolog.Logger
}

// NewEngine returns a map engine logging through log.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "perfusion").Logger()}
}

// GenerateMaps runs the full mapping pipeline. The reference curve is
// extracted once, factorized once in deconvolution mode, and every voxel's
// tissue curve is then processed independently. Cancellation is observed at
// chunk granularity; a cancelled run returns ctx.Err() and no partial maps.
func (e *Engine) GenerateMaps(ctx context.Context, series *models.TimeSeries, params MapParams) (*Maps, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	if params.Regularization == 0 {
		params.Regularization = DefaultRegularization
	}
	if params.Calibration == 0 {
		params.Calibration = 1
	}
	if params.Lanes <= 0 {
		params.Lanes = 1
	}

	reference, err := ExtractTIC(series, &params.ReferenceROI)
	if err != nil {
		return nil, fmt.Errorf("reference curve: %w", err)
	}
	refMetrics, err := reference.Metrics()
	if err != nil {
		e.log.Warn().Err(err).Msg("reference curve unusable")
		return nil, fmt.Errorf("reference curve: %w", err)
	}
	if refMetrics.AUC <= 0 {
		return nil, fmt.Errorf("%w: reference area is not positive", ErrDegenerateInput)
	}

	nFrames := series.NumFrames()
	dt := (series.Timestamps[nFrames-1] - series.Timestamps[0]) / float64(nFrames-1)

	var deconv *kernel.SVDDeconvolver
	if params.Mode == MapModeDeconvolution {
		deconv, err = kernel.NewSVDDeconvolver(reference.Values, dt, params.Regularization)
		if err != nil {
			return nil, fmt.Errorf("reference factorization: %w", err)
		}
	}

	size := series.FrameSize()
	maps := &Maps{
		CBF:         newMap(size, series, "flow"),
		CBV:         newMap(size, series, "volume"),
		MTT:         newMap(size, series, "s"),
		TTP:         newMap(size, series, "s"),
		Mode:        params.Mode,
		Reference:   refMetrics,
		VoxelVolume: series.VoxelVolumeMM3(),
	}
	if deconv != nil {
		maps.RetainedRank = deconv.Retained()
	}

	var cancelled atomic.Bool
	kernel.ParallelFor(params.Lanes, size, func(start, end int) {
		curve := make([]float64, nFrames)
		for idx := start; idx < end; idx++ {
			if idx%4096 == 0 && ctx.Err() != nil {
				cancelled.Store(true)
				return
			}

			for f := 0; f < nFrames; f++ {
				curve[f] = series.Frames[f][idx]
			}

			tissueAUC := integrate.Trapezoidal(series.Timestamps, curve)
			cbv := params.Calibration * tissueAUC / refMetrics.AUC

			peak := curve[0]
			ttp := series.Timestamps[0]
			for f := 1; f < nFrames; f++ {
				if curve[f] > peak {
					peak = curve[f]
					ttp = series.Timestamps[f]
				}
			}

			var cbf float64
			switch params.Mode {
			case MapModeFastRatio:
				cbf = params.Calibration * peak / refMetrics.PeakIntensity
			default:
				residue, derr := deconv.Deconvolve(curve)
				if derr != nil {
					cancelled.Store(true)
					return
				}
				rmax := residue[0]
				for _, r := range residue[1:] {
					if r > rmax {
						rmax = r
					}
				}
				cbf = params.Calibration * rmax
			}

			maps.CBF.Data[idx] = cbf
			maps.CBV.Data[idx] = cbv
			if cbf > flowEpsilon {
				maps.MTT.Data[idx] = cbv / cbf
			} else {
				maps.MTT.Data[idx] = MTTSentinel
			}
			maps.TTP.Data[idx] = ttp
		}
	})
	if cancelled.Load() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: per-voxel deconvolution failed", ErrDegenerateInput)
	}

	maps.CBF.Stats = kernel.Summarize(maps.CBF.Data)
	maps.CBV.Stats = kernel.Summarize(maps.CBV.Data)
	maps.TTP.Stats = kernel.Summarize(maps.TTP.Data)
	maps.MTT.Stats = summarizeDefined(maps.MTT.Data)

	e.log.Debug().
		Str("mode", params.Mode.String()).
		Int("voxels", size).
		Int("retained_rank", maps.RetainedRank).
		Float64("mean_flow", maps.CBF.Stats.Mean).
		Msg("parametric maps complete")
	return maps, nil
}

// DetectAbnormal flags voxels whose flow falls below a fraction of the mean
// flow or whose transit time exceeds the bound. A rule with a zero bound is
// inactive, so callers can configure either rule alone. Sentinel transit
// values are ignored for the transit rule but their voxels can still be
// flagged by the flow rule.
func (e *Engine) DetectAbnormal(maps *Maps, params AbnormalityParams) *AbnormalityResult {
	meanFlow := maps.CBF.Stats.Mean
	flowFloor := params.FlowBelowFraction * meanFlow
	flowActive := params.FlowBelowFraction > 0
	transitActive := params.TransitAboveSeconds > 0

	result := &AbnormalityResult{
		Mask:     make([]bool, len(maps.CBF.Data)),
		MeanFlow: meanFlow,
	}
	for idx := range maps.CBF.Data {
		slow := flowActive && maps.CBF.Data[idx] < flowFloor
		delayed := transitActive && maps.MTT.Data[idx] != MTTSentinel &&
			maps.MTT.Data[idx] > params.TransitAboveSeconds
		if slow || delayed {
			result.Mask[idx] = true
			result.Count++
		}
	}
	result.VolumeMM3 = float64(result.Count) * maps.VoxelVolume

	e.log.Debug().
		Int("abnormal_voxels", result.Count).
		Float64("volume_mm3", result.VolumeMM3).
		Msg("abnormality detection complete")
	return result
}

func newMap(size int, series *models.TimeSeries, unit string) *ParametricMap {
	return &ParametricMap{
		Data:     make([]float64, size),
		Nx:       series.Nx,
		Ny:       series.Ny,
		Nz:       series.Nz,
		SpacingX: series.SpacingX,
		SpacingY: series.SpacingY,
		SpacingZ: series.SpacingZ,
		Unit:     unit,
	}
}

// summarizeDefined summarizes a map skipping sentinel entries.
func summarizeDefined(data []float64) kernel.Summary {
	defined := make([]float64, 0, len(data))
	for _, v := range data {
		if v != MTTSentinel {
			defined = append(defined, v)
		}
	}
	return kernel.Summarize(defined)
}
