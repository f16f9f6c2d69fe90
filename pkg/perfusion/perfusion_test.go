package perfusion

import (
	"context"
	"errors"
	"math"
	"testing"

	"radquant/internal/logging"
	"radquant/internal/models"
)

// uniformSeries builds a planar series where every voxel shares the same
// curve.
func uniformSeries(nx, ny, nFrames int, curve func(t float64) float64) *models.TimeSeries {
	s := &models.TimeSeries{
		Nx: nx, Ny: ny, Nz: 1,
		SpacingX: 1, SpacingY: 1, SpacingZ: 1,
		Unit: "HU",
	}
	for f := 0; f < nFrames; f++ {
		t := float64(f)
		frame := make([]float64, nx*ny)
		for i := range frame {
			frame[i] = curve(t)
		}
		s.Frames = append(s.Frames, frame)
		s.Timestamps = append(s.Timestamps, t)
	}
	return s
}

func fullFrameROI(nx, ny int) models.ROI {
	return models.ROI{Shape: models.ROIRect, X0: 0, Y0: 0, X1: nx, Y1: ny}
}

// TestExtractTICMean averages a hand-built two-voxel region.
func TestExtractTICMean(t *testing.T) {
	s := &models.TimeSeries{
		Nx: 4, Ny: 1, Nz: 1,
		SpacingX: 1, SpacingY: 1, SpacingZ: 1,
		Frames: [][]float64{
			{10, 20, 100, 100},
			{30, 50, 100, 100},
		},
		Timestamps: []float64{0, 1},
	}
	roi := models.ROI{Shape: models.ROIRect, X0: 0, Y0: 0, X1: 2, Y1: 1}

	tic, err := ExtractTIC(s, &roi)
	if err != nil {
		t.Fatalf("extraction failed: %v", err)
	}
	if tic.VoxelCount != 2 {
		t.Errorf("expected 2 voxels in region, got %d", tic.VoxelCount)
	}
	want := []float64{15, 40}
	for i, w := range want {
		if math.Abs(tic.Values[i]-w) > 1e-12 {
			t.Errorf("value[%d]=%f, want %f", i, tic.Values[i], w)
		}
	}
}

// TestExtractTICEmptyRegion verifies that a region covering no voxels is
// rejected as degenerate.
func TestExtractTICEmptyRegion(t *testing.T) {
	s := uniformSeries(8, 8, 4, func(t float64) float64 { return t })
	roi := models.ROI{Shape: models.ROICircle, CenterX: -100, CenterY: -100, Radius: 1}

	if _, err := ExtractTIC(s, &roi); !errors.Is(err, ErrDegenerateInput) {
		t.Errorf("expected ErrDegenerateInput, got %v", err)
	}
}

// TestCurveMetricsGaussian checks the descriptors of a sampled Gaussian bolus
// with peak 100 at t=10 and sigma 2. The sampled trapezoidal area of a well
// resolved Gaussian matches the analytic area to well under one percent.
func TestCurveMetricsGaussian(t *testing.T) {
	tic := &TIC{VoxelCount: 1}
	for f := 0; f < 20; f++ {
		tt := float64(f)
		tic.Times = append(tic.Times, tt)
		tic.Values = append(tic.Values, 100*math.Exp(-((tt-10)*(tt-10))/(2*4)))
	}

	m, err := tic.Metrics()
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}

	if m.PeakIntensity != 100 {
		t.Errorf("expected peak 100, got %f", m.PeakIntensity)
	}
	if m.TimeToPeak != 10 {
		t.Errorf("expected time to peak 10, got %f", m.TimeToPeak)
	}

	analyticAUC := 100 * 2 * math.Sqrt(2*math.Pi)
	if math.Abs(m.AUC-analyticAUC)/analyticAUC > 0.01 {
		t.Errorf("AUC %f deviates more than 1%% from analytic %f", m.AUC, analyticAUC)
	}
	if math.Abs(m.MTT-m.AUC/100) > 1e-12 {
		t.Errorf("MTT %f is not AUC/peak", m.MTT)
	}
	// The steepest rise of this bolus is on the leading flank before the
	// peak.
	if m.TimeOfMaxSlope <= 0 || m.TimeOfMaxSlope >= 10 {
		t.Errorf("time of max slope %f outside leading flank", m.TimeOfMaxSlope)
	}
}

// TestCurveMetricsSteepestDecline verifies that the max-slope descriptor
// tracks first-difference magnitude, so a washout steeper than any uptake
// wins.
func TestCurveMetricsSteepestDecline(t *testing.T) {
	tic := &TIC{
		Times:      []float64{0, 1, 2, 3},
		Values:     []float64{10, 9, 8, 0},
		VoxelCount: 1,
	}

	m, err := tic.Metrics()
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if m.TimeOfMaxSlope != 2 {
		t.Errorf("expected steepest change at t=2, got %f", m.TimeOfMaxSlope)
	}
}

// TestGenerateMapsSelfReference runs deconvolution on a series where every
// tissue curve equals the reference. The recovered residue is then a unit
// impulse, so flow, volume and transit time are all exactly 1.
func TestGenerateMapsSelfReference(t *testing.T) {
	s := uniformSeries(6, 6, 8, func(t float64) float64 {
		return 50 * math.Exp(-t/3)
	})
	params := MapParams{
		ReferenceROI:   fullFrameROI(6, 6),
		Regularization: 1e-6,
		Mode:           MapModeDeconvolution,
		Lanes:          1,
	}

	engine := NewEngine(logging.Nop())
	maps, err := engine.GenerateMaps(context.Background(), s, params)
	if err != nil {
		t.Fatalf("map generation failed: %v", err)
	}

	for idx := range maps.CBF.Data {
		if math.Abs(maps.CBF.Data[idx]-1) > 1e-6 {
			t.Fatalf("CBF[%d]=%f, want 1", idx, maps.CBF.Data[idx])
		}
		if math.Abs(maps.CBV.Data[idx]-1) > 1e-9 {
			t.Fatalf("CBV[%d]=%f, want 1", idx, maps.CBV.Data[idx])
		}
		if math.Abs(maps.MTT.Data[idx]-1) > 1e-6 {
			t.Fatalf("MTT[%d]=%f, want 1", idx, maps.MTT.Data[idx])
		}
		if maps.TTP.Data[idx] != 0 {
			t.Fatalf("TTP[%d]=%f, want 0 for a decaying curve", idx, maps.TTP.Data[idx])
		}
	}
	if maps.RetainedRank != 8 {
		t.Errorf("expected full rank 8 retained at loose cutoff, got %d", maps.RetainedRank)
	}
}

// TestGenerateMapsTransitIdentity verifies that wherever the transit map is
// defined it is exactly the volume to flow ratio, and that the parallel path
// reproduces the sequential maps bit for bit.
func TestGenerateMapsTransitIdentity(t *testing.T) {
	s := uniformSeries(8, 8, 10, func(t float64) float64 {
		return 80 * math.Exp(-((t-4)*(t-4))/6)
	})
	// Perturb voxels so the maps are not uniform.
	for f := range s.Frames {
		for i := range s.Frames[f] {
			s.Frames[f][i] *= 1 + 0.01*float64(i%7)
		}
	}
	params := MapParams{
		ReferenceROI: fullFrameROI(8, 8),
		Mode:         MapModeDeconvolution,
		Lanes:        1,
	}

	engine := NewEngine(logging.Nop())
	maps, err := engine.GenerateMaps(context.Background(), s, params)
	if err != nil {
		t.Fatalf("map generation failed: %v", err)
	}

	for idx := range maps.MTT.Data {
		mtt := maps.MTT.Data[idx]
		if mtt == MTTSentinel {
			continue
		}
		if math.Abs(mtt*maps.CBF.Data[idx]-maps.CBV.Data[idx]) > 1e-9 {
			t.Fatalf("transit identity broken at voxel %d: mtt=%f cbf=%f cbv=%f",
				idx, mtt, maps.CBF.Data[idx], maps.CBV.Data[idx])
		}
	}

	params.Lanes = 4
	parallel, err := engine.GenerateMaps(context.Background(), s, params)
	if err != nil {
		t.Fatalf("parallel map generation failed: %v", err)
	}
	for idx := range maps.CBF.Data {
		if parallel.CBF.Data[idx] != maps.CBF.Data[idx] ||
			parallel.MTT.Data[idx] != maps.MTT.Data[idx] {
			t.Fatalf("parallel path diverged at voxel %d", idx)
		}
	}
}

// TestGenerateMapsFastRatio checks the preview estimator on a self-reference
// series, where all ratios collapse to 1.
func TestGenerateMapsFastRatio(t *testing.T) {
	s := uniformSeries(4, 4, 6, func(t float64) float64 {
		return 10 + t*(5-t)
	})
	params := MapParams{
		ReferenceROI: fullFrameROI(4, 4),
		Mode:         MapModeFastRatio,
		Lanes:        1,
	}

	engine := NewEngine(logging.Nop())
	maps, err := engine.GenerateMaps(context.Background(), s, params)
	if err != nil {
		t.Fatalf("map generation failed: %v", err)
	}
	if maps.RetainedRank != 0 {
		t.Errorf("fast-ratio mode should not factorize, got rank %d", maps.RetainedRank)
	}
	for idx := range maps.CBF.Data {
		if math.Abs(maps.CBF.Data[idx]-1) > 1e-12 {
			t.Fatalf("CBF[%d]=%f, want 1", idx, maps.CBF.Data[idx])
		}
		if math.Abs(maps.CBV.Data[idx]-1) > 1e-12 {
			t.Fatalf("CBV[%d]=%f, want 1", idx, maps.CBV.Data[idx])
		}
	}
}

// TestGenerateMapsDegenerateReference verifies that an all-zero series is
// rejected as degenerate input rather than mapped to sentinel noise.
func TestGenerateMapsDegenerateReference(t *testing.T) {
	s := uniformSeries(4, 4, 6, func(float64) float64 { return 0 })
	params := MapParams{ReferenceROI: fullFrameROI(4, 4), Lanes: 1}

	engine := NewEngine(logging.Nop())
	if _, err := engine.GenerateMaps(context.Background(), s, params); !errors.Is(err, ErrDegenerateInput) {
		t.Errorf("expected ErrDegenerateInput, got %v", err)
	}
}

// TestGenerateMapsCancelled verifies that a cancelled context aborts the run
// with no partial maps.
func TestGenerateMapsCancelled(t *testing.T) {
	s := uniformSeries(16, 16, 8, func(t float64) float64 {
		return 50 * math.Exp(-t/3)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(logging.Nop())
	maps, err := engine.GenerateMaps(ctx, s, MapParams{ReferenceROI: fullFrameROI(16, 16), Lanes: 1})
	if err == nil {
		t.Error("expected cancellation error, got nil")
	}
	if maps != nil {
		t.Error("expected no partial maps from a cancelled run")
	}
}

// TestDetectAbnormal flags a hand-built map region with depressed flow and
// elevated transit time.
func TestDetectAbnormal(t *testing.T) {
	size := 10
	maps := &Maps{
		CBF:         &ParametricMap{Data: make([]float64, size)},
		MTT:         &ParametricMap{Data: make([]float64, size)},
		VoxelVolume: 2.0,
	}
	for i := 0; i < size; i++ {
		maps.CBF.Data[i] = 1.0
		maps.MTT.Data[i] = 4.0
	}
	maps.CBF.Data[2] = 0.1         // depressed flow
	maps.MTT.Data[5] = 12.0        // delayed transit
	maps.MTT.Data[7] = MTTSentinel // undefined transit, normal flow
	maps.CBF.Stats.Mean = 0.91

	engine := NewEngine(logging.Nop())
	result := engine.DetectAbnormal(maps, AbnormalityParams{
		FlowBelowFraction:   0.8,
		TransitAboveSeconds: 8.0,
	})

	if result.Count != 2 {
		t.Fatalf("expected 2 abnormal voxels, got %d", result.Count)
	}
	if !result.Mask[2] || !result.Mask[5] {
		t.Error("expected voxels 2 and 5 flagged")
	}
	if result.Mask[7] {
		t.Error("sentinel transit with normal flow must not be flagged")
	}
	if result.VolumeMM3 != 4.0 {
		t.Errorf("expected abnormal volume 4 mm³, got %f", result.VolumeMM3)
	}
}

// TestDetectAbnormalSingleRule verifies that a rule left at its zero value is
// inactive: a flow-only configuration must not let an unset transit bound
// flag every voxel, and vice versa.
func TestDetectAbnormalSingleRule(t *testing.T) {
	size := 10
	maps := &Maps{
		CBF:         &ParametricMap{Data: make([]float64, size)},
		MTT:         &ParametricMap{Data: make([]float64, size)},
		VoxelVolume: 1.0,
	}
	for i := 0; i < size; i++ {
		maps.CBF.Data[i] = 1.0
		maps.MTT.Data[i] = 4.0
	}
	maps.CBF.Data[3] = 0.1
	maps.MTT.Data[6] = 12.0
	maps.CBF.Stats.Mean = 0.91

	engine := NewEngine(logging.Nop())

	flowOnly := engine.DetectAbnormal(maps, AbnormalityParams{FlowBelowFraction: 0.5})
	if flowOnly.Count != 1 || !flowOnly.Mask[3] {
		t.Fatalf("flow-only rule: expected only voxel 3 flagged, got count %d", flowOnly.Count)
	}

	transitOnly := engine.DetectAbnormal(maps, AbnormalityParams{TransitAboveSeconds: 8.0})
	if transitOnly.Count != 1 || !transitOnly.Mask[6] {
		t.Fatalf("transit-only rule: expected only voxel 6 flagged, got count %d", transitOnly.Count)
	}

	neither := engine.DetectAbnormal(maps, AbnormalityParams{})
	if neither.Count != 0 {
		t.Errorf("no active rule: expected 0 flagged voxels, got %d", neither.Count)
	}
}
