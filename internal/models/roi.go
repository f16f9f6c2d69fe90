package models

import "fmt"

// ROIShape enumerates the supported region geometries.
type ROIShape int

const (
	// ROICircle is a circular region defined by center and radius.
	ROICircle ROIShape = iota
	// ROIRect is an axis-aligned rectangular region.
	ROIRect
	// ROIMask is an arbitrary boolean mask covering the full frame.
	ROIMask
)

// ROI restricts an operation to a sub-region of a frame or slice. Regions
// are defined in voxel coordinates of their target dataset. Geometric
// regions (circle, rectangle) apply to the XY plane of every slice; mask
// regions carry one boolean per voxel.
type ROI struct {
	Shape ROIShape

	// Circle parameters (ROICircle).
	CenterX, CenterY, Radius float64

	// Rectangle bounds, inclusive of X0/Y0 and exclusive of X1/Y1 (ROIRect).
	X0, Y0, X1, Y1 int

	// Mask holds one flag per voxel in row-major order (ROIMask).
	Mask []bool
}

// Validate checks that the region is well formed for a frame of the given
// geometry.
func (r *ROI) Validate(nx, ny, nz int) error {
	switch r.Shape {
	case ROICircle:
		if r.Radius <= 0 {
			return fmt.Errorf("%w: circle ROI radius must be positive, got %g", ErrInvalidDataset, r.Radius)
		}
	case ROIRect:
		if r.X0 < 0 || r.Y0 < 0 || r.X1 > nx || r.Y1 > ny || r.X0 >= r.X1 || r.Y0 >= r.Y1 {
			return fmt.Errorf("%w: rectangle ROI [%d,%d)x[%d,%d) outside frame %dx%d",
				ErrInvalidDataset, r.X0, r.X1, r.Y0, r.Y1, nx, ny)
		}
	case ROIMask:
		if len(r.Mask) != nx*ny*nz {
			return fmt.Errorf("%w: mask ROI length %d does not match frame size %d",
				ErrInvalidDataset, len(r.Mask), nx*ny*nz)
		}
	default:
		return fmt.Errorf("%w: unknown ROI shape %d", ErrInvalidDataset, r.Shape)
	}
	return nil
}

// MaskFor materializes the region as a boolean mask for a frame of the given
// geometry. For mask-shaped regions the stored mask is returned directly.
func (r *ROI) MaskFor(nx, ny, nz int) []bool {
	if r.Shape == ROIMask {
		return r.Mask
	}
	mask := make([]bool, nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if r.contains(x, y) {
					mask[z*nx*ny+y*nx+x] = true
				}
			}
		}
	}
	return mask
}

// contains reports whether the in-plane coordinate falls inside a geometric
// region. Only valid for circle and rectangle shapes.
func (r *ROI) contains(x, y int) bool {
	switch r.Shape {
	case ROICircle:
		dx := float64(x) - r.CenterX
		dy := float64(y) - r.CenterY
		return dx*dx+dy*dy <= r.Radius*r.Radius
	case ROIRect:
		return x >= r.X0 && x < r.X1 && y >= r.Y0 && y < r.Y1
	}
	return false
}
