package kernel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateReference indicates a reference curve with no usable signal:
// deconvolving against it would amplify nothing but noise.
var ErrDegenerateReference = errors.New("degenerate reference curve")

// referenceEpsilon is the peak-amplitude floor below which a reference curve
// is treated as all-zero.
const referenceEpsilon = 1e-9

// CircularConvolve returns the circular convolution of a and b scaled by the
// sample interval dt, computed in the frequency domain. Both inputs must
// have the same length.
func CircularConvolve(a, b []float64, dt float64) ([]float64, error) {
	n := len(a)
	if n == 0 || len(b) != n {
		return nil, fmt.Errorf("convolution inputs must be equal non-zero length, got %d and %d", n, len(b))
	}

	fft := fourier.NewFFT(n)
	ca := fft.Coefficients(nil, a)
	cb := fft.Coefficients(nil, b)
	for i := range ca {
		ca[i] *= cb[i]
	}

	out := fft.Sequence(nil, ca)
	// The transform pair is unnormalized: Sequence(Coefficients(x)) scales
	// by n.
	scale := dt / float64(n)
	for i := range out {
		out[i] *= scale
	}
	return out, nil
}

// SVDDeconvolver inverts the circular convolution relationship
// tissue = reference ⊛ residue for a fixed reference curve. The convolution
// operator is a circulant matrix built from the reference; its truncated SVD
// gives a regularized pseudo-inverse that is reused across every curve
// sharing that reference, which is what makes per-voxel deconvolution
// affordable.
//
// The cutoff is the documented regularization parameter: singular values
// below cutoff times the largest singular value are discarded. The same
// cutoff on the same input always yields the same result.
type SVDDeconvolver struct {
	n        int
	pinv     *mat.Dense
	retained int
}

// NewSVDDeconvolver factorizes the convolution operator for the given
// reference curve. dt is the sample interval in seconds and cutoff the
// relative singular-value threshold in (0, 1].
func NewSVDDeconvolver(reference []float64, dt, cutoff float64) (*SVDDeconvolver, error) {
	n := len(reference)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty curve", ErrDegenerateReference)
	}
	if cutoff <= 0 || cutoff > 1 {
		return nil, fmt.Errorf("regularization cutoff %g outside (0, 1]", cutoff)
	}

	peak := 0.0
	for _, v := range reference {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak < referenceEpsilon {
		return nil, fmt.Errorf("%w: peak amplitude %g below %g", ErrDegenerateReference, peak, referenceEpsilon)
	}

	// Circulant operator: row i convolves the residue against the
	// reference shifted by i samples.
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, reference[(i-j+n)%n]*dt)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("svd factorization of %dx%d convolution operator failed", n, n)
	}

	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	threshold := cutoff * values[0]
	inv := mat.NewDense(n, n, nil)
	retained := 0
	for i, s := range values {
		if s >= threshold && s > 0 {
			inv.Set(i, i, 1/s)
			retained++
		}
	}

	var tmp, pinv mat.Dense
	tmp.Mul(&v, inv)
	pinv.Mul(&tmp, u.T())

	return &SVDDeconvolver{n: n, pinv: &pinv, retained: retained}, nil
}

// Len returns the curve length the deconvolver was built for.
func (d *SVDDeconvolver) Len() int {
	return d.n
}

// Retained returns the number of singular values kept after truncation.
func (d *SVDDeconvolver) Retained() int {
	return d.retained
}

// Deconvolve recovers the residue function for a single observed curve.
func (d *SVDDeconvolver) Deconvolve(curve []float64) ([]float64, error) {
	if len(curve) != d.n {
		return nil, fmt.Errorf("curve length %d does not match operator size %d", len(curve), d.n)
	}
	in := mat.NewVecDense(d.n, curve)
	out := mat.NewVecDense(d.n, nil)
	out.MulVec(d.pinv, in)

	residue := make([]float64, d.n)
	for i := 0; i < d.n; i++ {
		residue[i] = out.AtVec(i)
	}
	return residue, nil
}
