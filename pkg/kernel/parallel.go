// Package kernel provides the shared low-level numeric primitives used by
// the analysis engines: thresholding, connected-component labeling, image
// statistics, and convolution/deconvolution. All operations work on flat
// row-major arrays with explicit dimensions.
package kernel

import "sync"

// ParallelFor splits [0, n) into contiguous chunks and runs fn on each chunk
// using up to lanes goroutines. With lanes <= 1 the whole range runs on the
// calling goroutine as a strict sequential fallback.
//
// Chunks never overlap, so element-wise kernels that write only inside their
// own chunk produce bit-identical output on both paths. Callers must not
// rely on chunk execution order.
func ParallelFor(lanes, n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if lanes <= 1 || n == 1 {
		fn(0, n)
		return
	}
	if lanes > n {
		lanes = n
	}

	chunk := (n + lanes - 1) / lanes
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
