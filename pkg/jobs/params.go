package jobs

import (
	"fmt"

	"radquant/internal/models"
	"radquant/pkg/kernel"
	"radquant/pkg/perfusion"
)

// MinThresholdHU is the lowest accepted calcification threshold. Lower
// values would score soft tissue and blood pool.
const MinThresholdHU = 100.0

// Params is a validated, kind-tagged job request. Validation runs
// synchronously in Submit; a request that fails it never enters the store.
type Params interface {
	JobKind() Kind
	DatasetReference() string
	Validate() error
}

// CalciumParams requests a calcium scoring run.
type CalciumParams struct {
	DatasetRef       string
	ThresholdHU      float64
	Connectivity     kernel.Connectivity
	MinLesionAreaMM2 float64
}

func (p CalciumParams) JobKind() Kind            { return KindCalcium }
func (p CalciumParams) DatasetReference() string { return p.DatasetRef }

// Validate bounds the threshold and connectivity. A zero connectivity
// selects the 26-neighborhood at run time.
func (p CalciumParams) Validate() error {
	if p.DatasetRef == "" {
		return fmt.Errorf("%w: missing dataset reference", ErrInvalidParameters)
	}
	if p.ThresholdHU < MinThresholdHU {
		return fmt.Errorf("%w: threshold %g below minimum %g HU", ErrInvalidParameters, p.ThresholdHU, MinThresholdHU)
	}
	if p.Connectivity != 0 && p.Connectivity != kernel.Conn6 && p.Connectivity != kernel.Conn26 {
		return fmt.Errorf("%w: connectivity must be 6 or 26, got %d", ErrInvalidParameters, p.Connectivity)
	}
	if p.MinLesionAreaMM2 < 0 {
		return fmt.Errorf("%w: negative minimum lesion area %g", ErrInvalidParameters, p.MinLesionAreaMM2)
	}
	return nil
}

// PerfusionParams requests parametric map generation with abnormality
// detection.
type PerfusionParams struct {
	DatasetRef          string
	ReferenceROI        models.ROI
	Regularization      float64
	Calibration         float64
	Mode                perfusion.MapMode
	FlowBelowFraction   float64
	TransitAboveSeconds float64
}

func (p PerfusionParams) JobKind() Kind            { return KindPerfusion }
func (p PerfusionParams) DatasetReference() string { return p.DatasetRef }

// Validate bounds the regularization cutoff and the abnormality thresholds.
// Zero regularization selects the engine default.
func (p PerfusionParams) Validate() error {
	if p.DatasetRef == "" {
		return fmt.Errorf("%w: missing dataset reference", ErrInvalidParameters)
	}
	if p.Regularization < 0 || p.Regularization > 1 {
		return fmt.Errorf("%w: regularization %g outside (0, 1]", ErrInvalidParameters, p.Regularization)
	}
	if p.Mode != perfusion.MapModeDeconvolution && p.Mode != perfusion.MapModeFastRatio {
		return fmt.Errorf("%w: unknown map mode %d", ErrInvalidParameters, p.Mode)
	}
	if p.Calibration < 0 {
		return fmt.Errorf("%w: negative calibration %g", ErrInvalidParameters, p.Calibration)
	}
	if p.FlowBelowFraction < 0 || p.FlowBelowFraction > 1 {
		return fmt.Errorf("%w: flow fraction %g outside [0, 1]", ErrInvalidParameters, p.FlowBelowFraction)
	}
	if p.TransitAboveSeconds < 0 {
		return fmt.Errorf("%w: negative transit bound %g", ErrInvalidParameters, p.TransitAboveSeconds)
	}
	return nil
}

// OverlayParams requests a composite render of a segmentation mask over one
// slice of its base volume.
type OverlayParams struct {
	DatasetRef    string
	Mask          *models.SegmentationMask
	Slice         int
	Opacity       float64
	VisibleLabels []int
}

func (p OverlayParams) JobKind() Kind            { return KindOverlay }
func (p OverlayParams) DatasetReference() string { return p.DatasetRef }

// Validate checks the mask, slice index and opacity range.
func (p OverlayParams) Validate() error {
	if p.DatasetRef == "" {
		return fmt.Errorf("%w: missing dataset reference", ErrInvalidParameters)
	}
	if p.Mask == nil {
		return fmt.Errorf("%w: missing segmentation mask", ErrInvalidParameters)
	}
	if err := p.Mask.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if p.Slice < 0 || p.Slice >= p.Mask.Nz {
		return fmt.Errorf("%w: slice %d outside [0, %d)", ErrInvalidParameters, p.Slice, p.Mask.Nz)
	}
	if p.Opacity < 0 || p.Opacity > 1 {
		return fmt.Errorf("%w: opacity %g outside [0, 1]", ErrInvalidParameters, p.Opacity)
	}
	return nil
}
