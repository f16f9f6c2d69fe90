package kernel

import (
	"math"
	"testing"
)

// TestThresholdStrict verifies that thresholding keeps only samples strictly
// above the bound, on both the sequential and parallel paths.
func TestThresholdStrict(t *testing.T) {
	data := []float64{100, 130, 130.5, 200, 129.9, 400}

	for _, lanes := range []int{1, 4} {
		mask := Threshold(data, 130, lanes)

		expected := []bool{false, false, true, true, false, true}
		for i, want := range expected {
			if mask[i] != want {
				t.Errorf("lanes=%d: mask[%d]=%v, want %v", lanes, i, mask[i], want)
			}
		}
		if got := CountTrue(mask); got != 3 {
			t.Errorf("lanes=%d: expected 3 candidates, got %d", lanes, got)
		}
	}
}

// TestLabelComponentsSeparatesBlobs builds two cubes that touch only
// diagonally: 26-connectivity must merge them, 6-connectivity must not.
func TestLabelComponentsSeparatesBlobs(t *testing.T) {
	nx, ny, nz := 8, 8, 8
	mask := make([]bool, nx*ny*nz)
	set := func(x, y, z int) { mask[z*nx*ny+y*nx+x] = true }

	// First 2x2x2 cube at origin.
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				set(x, y, z)
			}
		}
	}
	// Second cube diagonally adjacent at (2,2,2).
	for z := 2; z < 4; z++ {
		for y := 2; y < 4; y++ {
			for x := 2; x < 4; x++ {
				set(x, y, z)
			}
		}
	}

	comps6, err := LabelComponents(mask, nx, ny, nz, Conn6, 1)
	if err != nil {
		t.Fatalf("6-connectivity labeling failed: %v", err)
	}
	if comps6.Count != 2 {
		t.Errorf("expected 2 components with 6-connectivity, got %d", comps6.Count)
	}

	comps26, err := LabelComponents(mask, nx, ny, nz, Conn26, 1)
	if err != nil {
		t.Fatalf("26-connectivity labeling failed: %v", err)
	}
	if comps26.Count != 1 {
		t.Errorf("expected 1 component with 26-connectivity, got %d", comps26.Count)
	}
}

// TestLabelComponentsParallelMatchesSequential verifies that the slab-local
// pass plus boundary merge produces exactly the sequential labeling, which
// is the hard requirement for backend-independent results.
func TestLabelComponentsParallelMatchesSequential(t *testing.T) {
	nx, ny, nz := 16, 16, 16
	mask := make([]bool, nx*ny*nz)

	// Deterministic pseudo-random blob pattern.
	seed := uint64(42)
	next := func() uint64 {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return seed
	}
	for i := range mask {
		mask[i] = next()%3 == 0
	}

	for _, conn := range []Connectivity{Conn6, Conn26} {
		sequential, err := LabelComponents(mask, nx, ny, nz, conn, 1)
		if err != nil {
			t.Fatalf("sequential labeling failed: %v", err)
		}
		parallel, err := LabelComponents(mask, nx, ny, nz, conn, 4)
		if err != nil {
			t.Fatalf("parallel labeling failed: %v", err)
		}

		if sequential.Count != parallel.Count {
			t.Fatalf("conn=%d: component counts differ: sequential=%d parallel=%d",
				conn, sequential.Count, parallel.Count)
		}
		for i := range sequential.Labels {
			if sequential.Labels[i] != parallel.Labels[i] {
				t.Fatalf("conn=%d: label mismatch at voxel %d: sequential=%d parallel=%d",
					conn, i, sequential.Labels[i], parallel.Labels[i])
			}
		}
	}
}

// TestCircularConvolveDelta checks that convolving against a unit impulse is
// the identity.
func TestCircularConvolveDelta(t *testing.T) {
	signal := []float64{1, 3, 2, 5, 4, 0, 1, 2}
	delta := make([]float64, len(signal))
	delta[0] = 1

	out, err := CircularConvolve(delta, signal, 1.0)
	if err != nil {
		t.Fatalf("convolution failed: %v", err)
	}

	for i := range signal {
		if math.Abs(out[i]-signal[i]) > 1e-9 {
			t.Errorf("out[%d]=%f, want %f", i, out[i], signal[i])
		}
	}
}

// TestDeconvolveDeltaRoundTrip verifies the identity property from the
// engine contract: under a unit impulse reference the recovered residue
// function equals the observed tissue curve.
func TestDeconvolveDeltaRoundTrip(t *testing.T) {
	tissue := []float64{0, 1, 4, 9, 7, 3, 1, 0}
	reference := make([]float64, len(tissue))
	reference[0] = 1

	deconv, err := NewSVDDeconvolver(reference, 1.0, 0.1)
	if err != nil {
		t.Fatalf("failed to build deconvolver: %v", err)
	}
	if deconv.Retained() != len(tissue) {
		t.Errorf("expected all %d singular values retained for identity operator, got %d",
			len(tissue), deconv.Retained())
	}

	residue, err := deconv.Deconvolve(tissue)
	if err != nil {
		t.Fatalf("deconvolution failed: %v", err)
	}

	for i := range tissue {
		if math.Abs(residue[i]-tissue[i]) > 1e-6 {
			t.Errorf("residue[%d]=%f, want %f", i, residue[i], tissue[i])
		}
	}
}

// TestDeconvolveRecoversResidue runs a full forward/inverse cycle: convolve
// a known residue with a smooth reference, then deconvolve and compare.
func TestDeconvolveRecoversResidue(t *testing.T) {
	n := 16
	reference := make([]float64, n)
	residue := make([]float64, n)
	for i := 0; i < n; i++ {
		reference[i] = math.Exp(-float64(i) / 3.0)
		residue[i] = math.Exp(-float64(i) / 5.0)
	}

	tissue, err := CircularConvolve(reference, residue, 1.0)
	if err != nil {
		t.Fatalf("forward convolution failed: %v", err)
	}

	deconv, err := NewSVDDeconvolver(reference, 1.0, 1e-6)
	if err != nil {
		t.Fatalf("failed to build deconvolver: %v", err)
	}
	recovered, err := deconv.Deconvolve(tissue)
	if err != nil {
		t.Fatalf("deconvolution failed: %v", err)
	}

	for i := range residue {
		if math.Abs(recovered[i]-residue[i]) > 1e-6 {
			t.Errorf("recovered[%d]=%f, want %f", i, recovered[i], residue[i])
		}
	}
}

// TestDeconvolveDegenerateReference verifies that an all-zero reference is
// rejected up front instead of producing amplified noise.
func TestDeconvolveDegenerateReference(t *testing.T) {
	reference := make([]float64, 8)
	if _, err := NewSVDDeconvolver(reference, 1.0, 0.1); err == nil {
		t.Error("expected degenerate reference error, got nil")
	}
}

// TestSummarize checks the summary statistics against hand-computed values.
func TestSummarize(t *testing.T) {
	s := Summarize([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	if s.Min != 2 || s.Max != 9 {
		t.Errorf("expected min=2 max=9, got min=%f max=%f", s.Min, s.Max)
	}
	if math.Abs(s.Mean-5.0) > 1e-12 {
		t.Errorf("expected mean=5, got %f", s.Mean)
	}
	// Sample standard deviation of this classic set is sqrt(32/7).
	want := math.Sqrt(32.0 / 7.0)
	if math.Abs(s.StdDev-want) > 1e-12 {
		t.Errorf("expected stddev=%f, got %f", want, s.StdDev)
	}

	empty := Summarize(nil)
	if empty.Min != 0 || empty.Max != 0 || empty.Mean != 0 || empty.StdDev != 0 {
		t.Errorf("expected zero summary for empty input, got %+v", empty)
	}
}

// TestParallelForCoversRange ensures every index is visited exactly once for
// a spread of lane counts.
func TestParallelForCoversRange(t *testing.T) {
	n := 1000
	for _, lanes := range []int{0, 1, 3, 8, 1000, 2000} {
		visited := make([]int32, n)
		ParallelFor(lanes, n, func(start, end int) {
			for i := start; i < end; i++ {
				visited[i]++
			}
		})
		for i, v := range visited {
			if v != 1 {
				t.Fatalf("lanes=%d: index %d visited %d times", lanes, i, v)
			}
		}
	}
}
