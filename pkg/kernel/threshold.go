package kernel

// Threshold marks every sample whose intensity strictly exceeds lower as a
// candidate. The operation is embarrassingly parallel; lanes controls the
// chunked fan-out.
func Threshold(data []float64, lower float64, lanes int) []bool {
	mask := make([]bool, len(data))
	ParallelFor(lanes, len(data), func(start, end int) {
		for i := start; i < end; i++ {
			if data[i] > lower {
				mask[i] = true
			}
		}
	})
	return mask
}

// CountTrue returns the number of set entries in a candidate mask.
func CountTrue(mask []bool) int {
	count := 0
	for _, m := range mask {
		if m {
			count++
		}
	}
	return count
}
