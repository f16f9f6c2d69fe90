package models

import (
	"fmt"
	"image/color"
)

// BackgroundLabel is the reserved label for unlabeled voxels. Label 0 always
// means background; compositing and statistics skip it.
const BackgroundLabel = 0

// SegmentationMask assigns an integer label to every voxel of its target
// dataset, together with display metadata for rendering.
type SegmentationMask struct {
	// Labels holds one label per voxel in row-major order.
	Labels []int

	// Nx, Ny, Nz are the grid dimensions. Nz is 1 for single-slice masks.
	Nx, Ny, Nz int

	// SpacingX, SpacingY, SpacingZ are the physical voxel dimensions in mm.
	SpacingX, SpacingY, SpacingZ float64

	// LabelColors maps each label to its display color.
	LabelColors map[int]color.RGBA

	// LabelNames maps each label to a human-readable structure name.
	LabelNames map[int]string
}

// Validate checks mask geometry and that no voxel carries a negative label.
func (m *SegmentationMask) Validate() error {
	if m.Nx <= 0 || m.Ny <= 0 || m.Nz <= 0 {
		return fmt.Errorf("%w: non-positive mask dimensions %dx%dx%d", ErrInvalidDataset, m.Nx, m.Ny, m.Nz)
	}
	if len(m.Labels) != m.Nx*m.Ny*m.Nz {
		return fmt.Errorf("%w: label buffer length %d does not match dimensions %dx%dx%d",
			ErrInvalidDataset, len(m.Labels), m.Nx, m.Ny, m.Nz)
	}
	for i, l := range m.Labels {
		if l < 0 {
			return fmt.Errorf("%w: negative label %d at voxel %d", ErrInvalidDataset, l, i)
		}
	}
	return nil
}

// ColorFor returns the display color of a label, falling back to opaque
// white for labels without an assigned color.
func (m *SegmentationMask) ColorFor(label int) color.RGBA {
	if c, ok := m.LabelColors[label]; ok {
		return c
	}
	return color.RGBA{R: 255, G: 255, B: 255, A: 255}
}

// SliceXY copies the label plane at depth z.
func (m *SegmentationMask) SliceXY(z int) ([]int, error) {
	if z < 0 || z >= m.Nz {
		return nil, fmt.Errorf("%w: slice index %d out of range [0, %d)", ErrInvalidDataset, z, m.Nz)
	}
	planeSize := m.Nx * m.Ny
	out := make([]int, planeSize)
	copy(out, m.Labels[z*planeSize:(z+1)*planeSize])
	return out, nil
}

// VoxelVolumeMM3 returns the physical volume of a single voxel in mm³.
func (m *SegmentationMask) VoxelVolumeMM3() float64 {
	return m.SpacingX * m.SpacingY * m.SpacingZ
}
