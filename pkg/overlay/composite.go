// Package overlay renders segmentation masks over grayscale slices: windowed
// base rendering, alpha compositing of label colors, boundary extraction and
// per-label volumetry.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"math"

	"radquant/internal/models"
)

// ErrGeometryMismatch indicates a mask whose grid does not match its base
// volume.
var ErrGeometryMismatch = errors.New("mask geometry does not match volume")

// ErrInvalidOpacity indicates an opacity outside [0, 1].
var ErrInvalidOpacity = errors.New("opacity outside [0, 1]")

// Params configures a compositing run.
type Params struct {
	// Opacity is the overlay blend factor in [0, 1]. At 0 the output is the
	// rendered base slice untouched; at 1 labeled pixels carry the exact
	// label color.
	Opacity float64

	// VisibleLabels restricts compositing to the listed labels. Empty means
	// every non-background label is visible.
	VisibleLabels []int

	// WindowLow and WindowHigh bound the display window for the base slice.
	// When both are zero the window spans the slice's own intensity range.
	WindowLow, WindowHigh float64
}

// LabelStats are the per-label volumetry aggregates.
type LabelStats struct {
	Name       string
	VoxelCount int
	VolumeMM3  float64
}

// RenderSlice windows the XY plane at depth z into a 16-bit grayscale image.
// Intensities at or below the window floor map to black, at or above the
// ceiling to white.
func RenderSlice(vol *models.VolumeDataset, z int, windowLow, windowHigh float64) (*image.Gray16, error) {
	plane, err := vol.SliceXY(z)
	if err != nil {
		return nil, err
	}
	low, high := resolveWindow(plane, windowLow, windowHigh)

	img := image.NewGray16(image.Rect(0, 0, vol.Nx, vol.Ny))
	for y := 0; y < vol.Ny; y++ {
		for x := 0; x < vol.Nx; x++ {
			v := windowed(plane[y*vol.Nx+x], low, high)
			g := uint16(math.Round(v * 65535))
			off := img.PixOffset(x, y)
			img.Pix[off] = uint8(g >> 8)
			img.Pix[off+1] = uint8(g)
		}
	}
	return img, nil
}

// CompositeSlice blends the mask's label colors over the windowed base slice
// at depth z. The blend is linear per channel, so opacity 0 reproduces the
// base exactly and opacity 1 paints visible labels with their exact color.
func CompositeSlice(vol *models.VolumeDataset, mask *models.SegmentationMask, z int, params Params) (*image.RGBA, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if err := mask.Validate(); err != nil {
		return nil, err
	}
	if vol.Nx != mask.Nx || vol.Ny != mask.Ny || vol.Nz != mask.Nz {
		return nil, fmt.Errorf("%w: volume %dx%dx%d, mask %dx%dx%d",
			ErrGeometryMismatch, vol.Nx, vol.Ny, vol.Nz, mask.Nx, mask.Ny, mask.Nz)
	}
	if params.Opacity < 0 || params.Opacity > 1 {
		return nil, fmt.Errorf("%w: %g", ErrInvalidOpacity, params.Opacity)
	}

	plane, err := vol.SliceXY(z)
	if err != nil {
		return nil, err
	}
	labels, err := mask.SliceXY(z)
	if err != nil {
		return nil, err
	}
	low, high := resolveWindow(plane, params.WindowLow, params.WindowHigh)

	visible := map[int]bool{}
	for _, l := range params.VisibleLabels {
		visible[l] = true
	}

	img := image.NewRGBA(image.Rect(0, 0, vol.Nx, vol.Ny))
	for y := 0; y < vol.Ny; y++ {
		for x := 0; x < vol.Nx; x++ {
			i := y*vol.Nx + x
			gray := uint8(math.Round(windowed(plane[i], low, high) * 255))

			label := labels[i]
			off := img.PixOffset(x, y)
			if label == models.BackgroundLabel || (len(visible) > 0 && !visible[label]) {
				img.Pix[off] = gray
				img.Pix[off+1] = gray
				img.Pix[off+2] = gray
				img.Pix[off+3] = 255
				continue
			}

			c := mask.ColorFor(label)
			img.Pix[off] = blend(gray, c.R, params.Opacity)
			img.Pix[off+1] = blend(gray, c.G, params.Opacity)
			img.Pix[off+2] = blend(gray, c.B, params.Opacity)
			img.Pix[off+3] = 255
		}
	}
	return img, nil
}

// Boundary marks the labeled voxels of the plane at depth z that touch a
// differently labeled 4-neighbor or the frame edge. Background voxels are
// never boundary.
func Boundary(mask *models.SegmentationMask, z int) ([]bool, error) {
	labels, err := mask.SliceXY(z)
	if err != nil {
		return nil, err
	}

	nx, ny := mask.Nx, mask.Ny
	out := make([]bool, nx*ny)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			i := y*nx + x
			l := labels[i]
			if l == models.BackgroundLabel {
				continue
			}
			if x == 0 || x == nx-1 || y == 0 || y == ny-1 {
				out[i] = true
				continue
			}
			if labels[i-1] != l || labels[i+1] != l || labels[i-nx] != l || labels[i+nx] != l {
				out[i] = true
			}
		}
	}
	return out, nil
}

// Statistics aggregates voxel counts and physical volume per label over the
// whole mask, skipping background.
func Statistics(mask *models.SegmentationMask) (map[int]LabelStats, error) {
	if err := mask.Validate(); err != nil {
		return nil, err
	}

	counts := map[int]int{}
	for _, l := range mask.Labels {
		if l != models.BackgroundLabel {
			counts[l]++
		}
	}

	voxelVolume := mask.VoxelVolumeMM3()
	stats := make(map[int]LabelStats, len(counts))
	for l, n := range counts {
		stats[l] = LabelStats{
			Name:       mask.LabelNames[l],
			VoxelCount: n,
			VolumeMM3:  float64(n) * voxelVolume,
		}
	}
	return stats, nil
}

// resolveWindow returns the display window, falling back to the plane's own
// range when the caller left it unset. A flat plane gets a unit window so the
// division below stays defined.
func resolveWindow(plane []float64, low, high float64) (float64, float64) {
	if low == 0 && high == 0 {
		low, high = plane[0], plane[0]
		for _, v := range plane[1:] {
			if v < low {
				low = v
			}
			if v > high {
				high = v
			}
		}
	}
	if high <= low {
		high = low + 1
	}
	return low, high
}

// windowed maps an intensity into [0, 1] under the window.
func windowed(v, low, high float64) float64 {
	t := (v - low) / (high - low)
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// blend mixes a base channel toward an overlay channel. Exact at both ends of
// the opacity range.
func blend(base, over uint8, opacity float64) uint8 {
	return uint8(math.Round((1-opacity)*float64(base) + opacity*float64(over)))
}
