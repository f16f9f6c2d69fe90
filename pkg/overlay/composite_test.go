package overlay

import (
	"errors"
	"image/color"
	"testing"

	"radquant/internal/models"
)

func testPair() (*models.VolumeDataset, *models.SegmentationMask) {
	nx, ny, nz := 4, 4, 2
	vol := &models.VolumeDataset{
		Data:     make([]float64, nx*ny*nz),
		Nx:       nx,
		Ny:       ny,
		Nz:       nz,
		SpacingX: 1,
		SpacingY: 1,
		SpacingZ: 1,
	}
	for i := range vol.Data {
		vol.Data[i] = float64(i % 256)
	}

	mask := &models.SegmentationMask{
		Labels:   make([]int, nx*ny*nz),
		Nx:       nx,
		Ny:       ny,
		Nz:       nz,
		SpacingX: 1,
		SpacingY: 1,
		SpacingZ: 1,
		LabelColors: map[int]color.RGBA{
			1: {R: 255, G: 0, B: 0, A: 255},
		},
		LabelNames: map[int]string{1: "lesion"},
	}
	// One 2x2 labeled block on slice 0.
	for y := 1; y < 3; y++ {
		for x := 1; x < 3; x++ {
			mask.Labels[y*nx+x] = 1
		}
	}
	return vol, mask
}

// TestCompositeOpacityEndpoints verifies the exactness guarantees at both
// ends of the opacity range.
func TestCompositeOpacityEndpoints(t *testing.T) {
	vol, mask := testPair()

	transparent, err := CompositeSlice(vol, mask, 0, Params{Opacity: 0})
	if err != nil {
		t.Fatalf("compositing failed: %v", err)
	}
	opaque, err := CompositeSlice(vol, mask, 0, Params{Opacity: 1})
	if err != nil {
		t.Fatalf("compositing failed: %v", err)
	}

	for y := 0; y < vol.Ny; y++ {
		for x := 0; x < vol.Nx; x++ {
			off := transparent.PixOffset(x, y)
			r, g, b := transparent.Pix[off], transparent.Pix[off+1], transparent.Pix[off+2]
			if r != g || g != b {
				t.Fatalf("opacity 0 must yield pure grayscale at (%d,%d), got %d %d %d", x, y, r, g, b)
			}

			labeled := mask.Labels[y*vol.Nx+x] == 1
			off = opaque.PixOffset(x, y)
			if labeled {
				if opaque.Pix[off] != 255 || opaque.Pix[off+1] != 0 || opaque.Pix[off+2] != 0 {
					t.Fatalf("opacity 1 must paint the exact label color at (%d,%d)", x, y)
				}
			} else if opaque.Pix[off] != opaque.Pix[off+1] || opaque.Pix[off+1] != opaque.Pix[off+2] {
				t.Fatalf("unlabeled pixel at (%d,%d) must stay grayscale", x, y)
			}
		}
	}
}

// TestCompositeHiddenLabel verifies that a label excluded from the visible
// set renders as plain base.
func TestCompositeHiddenLabel(t *testing.T) {
	vol, mask := testPair()

	img, err := CompositeSlice(vol, mask, 0, Params{Opacity: 1, VisibleLabels: []int{7}})
	if err != nil {
		t.Fatalf("compositing failed: %v", err)
	}
	for y := 0; y < vol.Ny; y++ {
		for x := 0; x < vol.Nx; x++ {
			off := img.PixOffset(x, y)
			if img.Pix[off] != img.Pix[off+1] || img.Pix[off+1] != img.Pix[off+2] {
				t.Fatalf("hidden label leaked color at (%d,%d)", x, y)
			}
		}
	}
}

// TestCompositeRejectsBadInput covers geometry mismatch and opacity range.
func TestCompositeRejectsBadInput(t *testing.T) {
	vol, mask := testPair()

	if _, err := CompositeSlice(vol, mask, 0, Params{Opacity: 1.5}); !errors.Is(err, ErrInvalidOpacity) {
		t.Errorf("expected ErrInvalidOpacity, got %v", err)
	}

	mask.Nz = 3
	mask.Labels = make([]int, mask.Nx*mask.Ny*mask.Nz)
	if _, err := CompositeSlice(vol, mask, 0, Params{Opacity: 0.5}); !errors.Is(err, ErrGeometryMismatch) {
		t.Errorf("expected ErrGeometryMismatch, got %v", err)
	}
}

// TestBoundaryBlock checks that only the rim of a solid block is marked. A
// 3x3 block has no interior-only voxel except the center.
func TestBoundaryBlock(t *testing.T) {
	nx, ny := 6, 6
	mask := &models.SegmentationMask{
		Labels:   make([]int, nx*ny),
		Nx:       nx,
		Ny:       ny,
		Nz:       1,
		SpacingX: 1,
		SpacingY: 1,
		SpacingZ: 1,
	}
	for y := 1; y < 4; y++ {
		for x := 1; x < 4; x++ {
			mask.Labels[y*nx+x] = 2
		}
	}

	boundary, err := Boundary(mask, 0)
	if err != nil {
		t.Fatalf("boundary extraction failed: %v", err)
	}

	count := 0
	for _, b := range boundary {
		if b {
			count++
		}
	}
	if count != 8 {
		t.Errorf("expected 8 rim voxels, got %d", count)
	}
	if boundary[2*nx+2] {
		t.Error("block center must not be boundary")
	}
	if boundary[0] {
		t.Error("background must never be boundary")
	}
}

// TestBoundaryTouchingLabels verifies that adjacent distinct labels are both
// boundary along their shared edge.
func TestBoundaryTouchingLabels(t *testing.T) {
	nx, ny := 4, 2
	mask := &models.SegmentationMask{
		Labels:   []int{1, 1, 2, 2, 1, 1, 2, 2},
		Nx:       nx,
		Ny:       ny,
		Nz:       1,
		SpacingX: 1,
		SpacingY: 1,
		SpacingZ: 1,
	}

	boundary, err := Boundary(mask, 0)
	if err != nil {
		t.Fatalf("boundary extraction failed: %v", err)
	}
	for i, b := range boundary {
		if !b {
			t.Errorf("voxel %d should be boundary in this tight layout", i)
		}
	}
}

// TestStatisticsSkipsBackground checks per-label volumetry with anisotropic
// spacing.
func TestStatisticsSkipsBackground(t *testing.T) {
	mask := &models.SegmentationMask{
		Labels:     []int{0, 0, 1, 1, 1, 2, 0, 0},
		Nx:         8,
		Ny:         1,
		Nz:         1,
		SpacingX:   2,
		SpacingY:   1,
		SpacingZ:   0.5,
		LabelNames: map[int]string{1: "ventricle", 2: "atrium"},
	}

	stats, err := Statistics(mask)
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}

	if len(stats) != 2 {
		t.Fatalf("expected 2 labels, got %d", len(stats))
	}
	if _, ok := stats[models.BackgroundLabel]; ok {
		t.Error("background must not appear in statistics")
	}
	if s := stats[1]; s.VoxelCount != 3 || s.VolumeMM3 != 3 || s.Name != "ventricle" {
		t.Errorf("label 1 stats wrong: %+v", s)
	}
	if s := stats[2]; s.VoxelCount != 1 || s.VolumeMM3 != 1 {
		t.Errorf("label 2 stats wrong: %+v", s)
	}
}

// TestRenderSliceWindow checks windowed gray mapping at and beyond the window
// bounds.
func TestRenderSliceWindow(t *testing.T) {
	vol := &models.VolumeDataset{
		Data:     []float64{-100, 0, 50, 100, 200, 1000},
		Nx:       6,
		Ny:       1,
		Nz:       1,
		SpacingX: 1,
		SpacingY: 1,
		SpacingZ: 1,
	}

	img, err := RenderSlice(vol, 0, 0, 100)
	if err != nil {
		t.Fatalf("rendering failed: %v", err)
	}

	if g := img.Gray16At(0, 0).Y; g != 0 {
		t.Errorf("below-window intensity must be black, got %d", g)
	}
	if g := img.Gray16At(2, 0).Y; g != 32768 {
		t.Errorf("midpoint intensity must be mid-gray, got %d", g)
	}
	if g := img.Gray16At(5, 0).Y; g != 65535 {
		t.Errorf("above-window intensity must be white, got %d", g)
	}
}
