package models

import "fmt"

// TimeSeries is an ordered sequence of frames sampled over time, typically a
// contrast passage acquisition. Every frame shares the same grid dimensions;
// timestamps are offsets in seconds from the start of the acquisition and
// must be strictly increasing.
type TimeSeries struct {
	// Frames holds one flat intensity buffer per time point, each in the
	// same row-major layout as VolumeDataset.Data.
	Frames [][]float64

	// Timestamps holds the acquisition offset of each frame in seconds.
	Timestamps []float64

	// Nx, Ny, Nz are the per-frame grid dimensions. Nz is 1 for planar
	// (2D) acquisitions.
	Nx, Ny, Nz int

	// SpacingX, SpacingY, SpacingZ are the physical voxel dimensions in mm.
	SpacingX, SpacingY, SpacingZ float64

	// Unit tags the intensity scale of the frames.
	Unit string
}

// Validate checks frame geometry and timestamp ordering.
func (s *TimeSeries) Validate() error {
	if s.Nx <= 0 || s.Ny <= 0 || s.Nz <= 0 {
		return fmt.Errorf("%w: non-positive frame dimensions %dx%dx%d", ErrInvalidDataset, s.Nx, s.Ny, s.Nz)
	}
	if len(s.Frames) == 0 {
		return fmt.Errorf("%w: series has no frames", ErrInvalidDataset)
	}
	if len(s.Frames) != len(s.Timestamps) {
		return fmt.Errorf("%w: %d frames but %d timestamps", ErrInvalidDataset, len(s.Frames), len(s.Timestamps))
	}
	frameSize := s.Nx * s.Ny * s.Nz
	for i, frame := range s.Frames {
		if len(frame) != frameSize {
			return fmt.Errorf("%w: frame %d has length %d, want %d", ErrInvalidDataset, i, len(frame), frameSize)
		}
	}
	for i := 1; i < len(s.Timestamps); i++ {
		if s.Timestamps[i] <= s.Timestamps[i-1] {
			return fmt.Errorf("%w: timestamps not strictly increasing at frame %d (%g after %g)",
				ErrInvalidDataset, i, s.Timestamps[i], s.Timestamps[i-1])
		}
	}
	return nil
}

// NumFrames returns the number of time points in the series.
func (s *TimeSeries) NumFrames() int {
	return len(s.Frames)
}

// FrameSize returns the number of voxels in a single frame.
func (s *TimeSeries) FrameSize() int {
	return s.Nx * s.Ny * s.Nz
}

// VoxelVolumeMM3 returns the physical volume of a single voxel in mm³.
func (s *TimeSeries) VoxelVolumeMM3() float64 {
	return s.SpacingX * s.SpacingY * s.SpacingZ
}
