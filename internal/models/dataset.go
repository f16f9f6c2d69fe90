// Package models defines the shared data model for the analysis engines:
// volumetric datasets, time series, regions of interest and segmentation
// masks. All array data is stored as flat slices in row-major (x fastest,
// then y, then z) order with explicit dimensions and physical spacing.
package models

import (
	"errors"
	"fmt"
)

// ErrInvalidDataset indicates malformed dimensions or spacing on an input
// dataset. It is surfaced synchronously at validation time and never reaches
// the job store.
var ErrInvalidDataset = errors.New("invalid dataset")

// VolumeDataset is an immutable 3D grid of scalar intensity samples.
// The engines treat it as read-only for the lifetime of a job; ownership
// stays with the providing store.
type VolumeDataset struct {
	// Data holds the voxel intensities as a flat array in row-major order,
	// indexed as z*Nx*Ny + y*Nx + x.
	Data []float64

	// Nx, Ny, Nz are the grid dimensions in voxels.
	Nx, Ny, Nz int

	// SpacingX, SpacingY, SpacingZ are the physical voxel dimensions in mm.
	SpacingX, SpacingY, SpacingZ float64

	// OriginX, OriginY, OriginZ locate the first voxel in physical space.
	OriginX, OriginY, OriginZ float64

	// Unit tags the intensity scale, e.g. "HU" for Hounsfield units.
	Unit string
}

// Validate checks dimensions, spacing and data length. A dataset with
// non-positive dimensions or spacing, or a data buffer that does not match
// Nx*Ny*Nz, is rejected with ErrInvalidDataset.
func (v *VolumeDataset) Validate() error {
	if v.Nx <= 0 || v.Ny <= 0 || v.Nz <= 0 {
		return fmt.Errorf("%w: non-positive dimensions %dx%dx%d", ErrInvalidDataset, v.Nx, v.Ny, v.Nz)
	}
	if v.SpacingX <= 0 || v.SpacingY <= 0 || v.SpacingZ <= 0 {
		return fmt.Errorf("%w: non-positive spacing (%g, %g, %g)", ErrInvalidDataset, v.SpacingX, v.SpacingY, v.SpacingZ)
	}
	if len(v.Data) != v.Nx*v.Ny*v.Nz {
		return fmt.Errorf("%w: data length %d does not match dimensions %dx%dx%d",
			ErrInvalidDataset, len(v.Data), v.Nx, v.Ny, v.Nz)
	}
	return nil
}

// NumVoxels returns the total voxel count.
func (v *VolumeDataset) NumVoxels() int {
	return v.Nx * v.Ny * v.Nz
}

// Index converts grid coordinates to a flat array index.
func (v *VolumeDataset) Index(x, y, z int) int {
	return z*v.Nx*v.Ny + y*v.Nx + x
}

// Coords converts a flat array index back to grid coordinates.
func (v *VolumeDataset) Coords(idx int) (x, y, z int) {
	planeSize := v.Nx * v.Ny
	z = idx / planeSize
	rem := idx % planeSize
	y = rem / v.Nx
	x = rem % v.Nx
	return x, y, z
}

// VoxelVolumeMM3 returns the physical volume of a single voxel in mm³.
func (v *VolumeDataset) VoxelVolumeMM3() float64 {
	return v.SpacingX * v.SpacingY * v.SpacingZ
}

// PixelAreaMM2 returns the in-plane area of a single voxel in mm².
func (v *VolumeDataset) PixelAreaMM2() float64 {
	return v.SpacingX * v.SpacingY
}

// SliceXY copies the XY plane at depth z into a new flat buffer of length
// Nx*Ny. The copy keeps the source volume immutable for downstream
// consumers such as the overlay compositor.
func (v *VolumeDataset) SliceXY(z int) ([]float64, error) {
	if z < 0 || z >= v.Nz {
		return nil, fmt.Errorf("%w: slice index %d out of range [0, %d)", ErrInvalidDataset, z, v.Nz)
	}
	planeSize := v.Nx * v.Ny
	out := make([]float64, planeSize)
	copy(out, v.Data[z*planeSize:(z+1)*planeSize])
	return out, nil
}
