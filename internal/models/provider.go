package models

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDatasetNotFound indicates an opaque dataset reference that the provider
// cannot resolve.
var ErrDatasetNotFound = errors.New("dataset not found")

// DatasetProvider is the read-only accessor the engines require from the
// external study store. Storage, caching and container decoding are owned by
// the implementation; the engines only ever read the returned data.
type DatasetProvider interface {
	// Volume resolves an opaque reference to a volumetric dataset.
	Volume(ref string) (*VolumeDataset, error)

	// Series resolves an opaque reference to a time-ordered frame sequence.
	Series(ref string) (*TimeSeries, error)
}

// MemProvider is an in-memory DatasetProvider used by the CLI and tests.
// Registered datasets are shared by reference, never copied.
type MemProvider struct {
	mu      sync.RWMutex
	volumes map[string]*VolumeDataset
	series  map[string]*TimeSeries
}

// NewMemProvider returns an empty in-memory provider.
func NewMemProvider() *MemProvider {
	return &MemProvider{
		volumes: make(map[string]*VolumeDataset),
		series:  make(map[string]*TimeSeries),
	}
}

// AddVolume registers a volume under the given reference, validating it
// first so malformed data never enters the store.
func (p *MemProvider) AddVolume(ref string, v *VolumeDataset) error {
	if err := v.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[ref] = v
	return nil
}

// AddSeries registers a time series under the given reference.
func (p *MemProvider) AddSeries(ref string, s *TimeSeries) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.series[ref] = s
	return nil
}

// Volume implements DatasetProvider.
func (p *MemProvider) Volume(ref string) (*VolumeDataset, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.volumes[ref]
	if !ok {
		return nil, fmt.Errorf("%w: volume %q", ErrDatasetNotFound, ref)
	}
	return v, nil
}

// Series implements DatasetProvider.
func (p *MemProvider) Series(ref string) (*TimeSeries, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.series[ref]
	if !ok {
		return nil, fmt.Errorf("%w: series %q", ErrDatasetNotFound, ref)
	}
	return s, nil
}
