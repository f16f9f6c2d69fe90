// Package calcium implements density-weighted, area-weighted lesion scoring
// of thresholded CT volumes (Agatston-style scoring), together with the
// derived volume score, mass score estimate and risk classification.
package calcium

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"radquant/internal/models"
	"radquant/pkg/kernel"
)

// Clinical constants of the standard scoring protocol. Density breakpoints
// resolve ties to the higher band.
const (
	// DefaultThresholdHU is the standard calcification threshold.
	DefaultThresholdHU = 130.0

	densityBand2HU = 200.0
	densityBand3HU = 300.0
	densityBand4HU = 400.0

	// massDensityOffsetHU and massDensityScale convert Hounsfield values to
	// an equivalent hydroxyapatite density in mg/cm³.
	massDensityOffsetHU = 1000.0
	massDensityScale    = 0.5
)

// Risk category breakpoints on the total score.
const (
	riskMinimalMax  = 10.0
	riskMildMax     = 100.0
	riskModerateMax = 400.0
)

// RiskCategory is the ordered classification derived from the total score.
type RiskCategory int

const (
	RiskNone RiskCategory = iota
	RiskMinimal
	RiskMild
	RiskModerate
	RiskSevere
)

// String returns the report name of the category.
func (r RiskCategory) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskMinimal:
		return "minimal"
	case RiskMild:
		return "mild"
	case RiskModerate:
		return "moderate"
	case RiskSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// Vessel identifies the coronary territory a lesion is attributed to.
type Vessel string

const (
	VesselLAD Vessel = "LAD" // left anterior descending
	VesselLCX Vessel = "LCX" // left circumflex
	VesselRCA Vessel = "RCA" // right coronary artery
	VesselLM  Vessel = "LM"  // left main
)

// Params configures a scoring run.
type Params struct {
	// ThresholdHU is the lower calcification bound; voxels strictly above
	// it are candidates.
	ThresholdHU float64

	// Connectivity groups candidates into lesions (6 or 26).
	Connectivity kernel.Connectivity

	// MinLesionAreaMM2 drops per-slice lesion contributions below this
	// area. The protocol value is 1 mm².
	MinLesionAreaMM2 float64

	// Lanes is the per-voxel parallelism; 1 selects the sequential path.
	Lanes int
}

// LesionScore is the contribution of a single connected lesion.
type LesionScore struct {
	Label     int32
	Score     float64
	VolumeMM3 float64
	MaxHU     float64
	Vessel    Vessel
}

// Result is the complete output of a scoring run.
type Result struct {
	TotalScore        float64
	LesionCount       int
	PerLesionScores   []LesionScore
	RiskCategory      RiskCategory
	VolumeScore       float64
	MassScoreEstimate float64
	VesselScores      map[Vessel]float64
}

// Engine computes calcium scores over volumetric datasets.
type Engine struct {
	log zerolog.Logger
}

// NewEngine returns a scoring engine logging through log.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "calcium").Logger()}
}

// Score runs the full scoring pipeline: threshold, connected-component
// labeling, density classification, per-lesion scoring and risk lookup.
// Cancellation is checked between the discrete kernel passes; a cancelled
// run returns ctx.Err() and no partial result.
//
// An empty dataset (no voxel above threshold) is not an error: it scores 0
// with RiskNone.
func (e *Engine) Score(ctx context.Context, vol *models.VolumeDataset, params Params) (*Result, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if params.Connectivity == 0 {
		params.Connectivity = kernel.Conn26
	}
	if params.Lanes <= 0 {
		params.Lanes = 1
	}

	mask := kernel.Threshold(vol.Data, params.ThresholdHU, params.Lanes)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	comps, err := kernel.LabelComponents(mask, vol.Nx, vol.Ny, vol.Nz, params.Connectivity, params.Lanes)
	if err != nil {
		return nil, fmt.Errorf("lesion labeling: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := e.scoreComponents(vol, mask, comps, params)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.RiskCategory = Classify(result.TotalScore)
	e.log.Debug().
		Float64("total_score", result.TotalScore).
		Int("lesions", result.LesionCount).
		Str("risk", result.RiskCategory.String()).
		Msg("scoring complete")
	return result, nil
}

// scoreComponents walks each lesion slice by slice: the per-slice score is
// the lesion's in-plane area times the density factor of that slice's
// maximum intensity, and a lesion's score sums its slice contributions.
func (e *Engine) scoreComponents(vol *models.VolumeDataset, mask []bool, comps *kernel.Components, params Params) *Result {
	pixelArea := vol.PixelAreaMM2()
	voxelVolume := vol.VoxelVolumeMM3()
	planeSize := vol.Nx * vol.Ny

	type sliceAgg struct {
		voxels int
		maxHU  float64
	}
	type lesionAgg struct {
		slices map[int]*sliceAgg
		voxels int
		maxHU  float64
		sumX   float64
		sumY   float64
	}

	lesions := make(map[int32]*lesionAgg)
	candidateVoxels := 0
	for z := 0; z < vol.Nz; z++ {
		for y := 0; y < vol.Ny; y++ {
			for x := 0; x < vol.Nx; x++ {
				idx := z*planeSize + y*vol.Nx + x
				label := comps.Labels[idx]
				if label == 0 {
					continue
				}
				candidateVoxels++

				agg, ok := lesions[label]
				if !ok {
					agg = &lesionAgg{slices: make(map[int]*sliceAgg)}
					lesions[label] = agg
				}
				sl, ok := agg.slices[z]
				if !ok {
					sl = &sliceAgg{}
					agg.slices[z] = sl
				}

				hu := vol.Data[idx]
				if sl.voxels == 0 || hu > sl.maxHU {
					sl.maxHU = hu
				}
				sl.voxels++
				if agg.voxels == 0 || hu > agg.maxHU {
					agg.maxHU = hu
				}
				agg.voxels++
				agg.sumX += float64(x)
				agg.sumY += float64(y)
			}
		}
	}

	result := &Result{
		VesselScores: map[Vessel]float64{VesselLAD: 0, VesselLCX: 0, VesselRCA: 0, VesselLM: 0},
	}
	result.VolumeScore = float64(candidateVoxels) * voxelVolume

	// Mass estimate over all candidate voxels, independent of lesion
	// grouping.
	voxelVolumeCM3 := voxelVolume / 1000.0
	for idx, m := range mask {
		if m {
			density := massDensityScale * (vol.Data[idx] + massDensityOffsetHU)
			result.MassScoreEstimate += density * voxelVolumeCM3
		}
	}

	labels := make([]int32, 0, len(lesions))
	for label := range lesions {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	for _, label := range labels {
		agg := lesions[label]

		score := 0.0
		for _, sl := range agg.slices {
			area := float64(sl.voxels) * pixelArea
			if area < params.MinLesionAreaMM2 {
				continue
			}
			score += area * float64(densityFactor(sl.maxHU))
		}
		if score == 0 {
			continue
		}

		vessel := assignVessel(
			agg.sumX/float64(agg.voxels)/float64(vol.Nx),
			agg.sumY/float64(agg.voxels)/float64(vol.Ny),
		)

		result.PerLesionScores = append(result.PerLesionScores, LesionScore{
			Label:     label,
			Score:     score,
			VolumeMM3: float64(agg.voxels) * voxelVolume,
			MaxHU:     agg.maxHU,
			Vessel:    vessel,
		})
		result.TotalScore += score
		result.VesselScores[vessel] += score
	}
	result.LesionCount = len(result.PerLesionScores)

	return result
}

// densityFactor maps a maximum intensity to the integer weighting band. A
// value exactly at a breakpoint takes the higher band.
func densityFactor(maxHU float64) int {
	switch {
	case maxHU >= densityBand4HU:
		return 4
	case maxHU >= densityBand3HU:
		return 3
	case maxHU >= densityBand2HU:
		return 2
	default:
		return 1
	}
}

// Classify maps a total score to its ordered risk category. A score of
// exactly zero is RiskNone, never RiskMinimal.
func Classify(totalScore float64) RiskCategory {
	switch {
	case totalScore == 0:
		return RiskNone
	case totalScore <= riskMinimalMax:
		return RiskMinimal
	case totalScore <= riskMildMax:
		return RiskMild
	case totalScore <= riskModerateMax:
		return RiskModerate
	default:
		return RiskSevere
	}
}

// assignVessel attributes a lesion to a coronary territory from its
// centroid's relative in-plane position. This mirrors the simplified
// anatomical rules used clinically when no vessel segmentation is available.
func assignVessel(xRel, yRel float64) Vessel {
	switch {
	case xRel < 0.4 && yRel < 0.5:
		return VesselLAD
	case xRel < 0.4:
		return VesselLCX
	case xRel > 0.6:
		return VesselRCA
	default:
		return VesselLM
	}
}
