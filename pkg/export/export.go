// Package export reads and writes the raw volume container and serializes
// job reports. The container is a minimal little-endian format: a 4-byte
// magic, a dtype tag, grid dimensions, physical spacing, a length-prefixed
// unit tag and the payload in row-major order.
package export

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"radquant/internal/models"
	"radquant/pkg/jobs"
	"radquant/pkg/perfusion"
)

// Magic identifies the raw volume container.
var Magic = [4]byte{'R', 'Q', 'V', '1'}

// DTypeFloat64 is the only payload element type the container carries today.
// The tag exists so a reader can reject payloads it does not understand
// instead of misinterpreting them.
const DTypeFloat64 uint8 = 1

// ErrBadContainer indicates a stream that is not a valid raw volume
// container.
var ErrBadContainer = errors.New("bad volume container")

// maxDim guards against absurd headers when reading untrusted files.
const maxDim = 1 << 16

// rawHeader is the fixed-size portion of the container.
type rawHeader struct {
	Magic      [4]byte
	DType      uint8
	Nx, Ny, Nz uint32
	SpacingX   float64
	SpacingY   float64
	SpacingZ   float64
	OriginX    float64
	OriginY    float64
	OriginZ    float64
}

// WriteRaw serializes a volume to the container format.
func WriteRaw(w io.Writer, vol *models.VolumeDataset) error {
	if err := vol.Validate(); err != nil {
		return err
	}

	hdr := rawHeader{
		Magic:    Magic,
		DType:    DTypeFloat64,
		Nx:       uint32(vol.Nx),
		Ny:       uint32(vol.Ny),
		Nz:       uint32(vol.Nz),
		SpacingX: vol.SpacingX,
		SpacingY: vol.SpacingY,
		SpacingZ: vol.SpacingZ,
		OriginX:  vol.OriginX,
		OriginY:  vol.OriginY,
		OriginZ:  vol.OriginZ,
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	unit := []byte(vol.Unit)
	if err := binary.Write(w, binary.LittleEndian, uint16(len(unit))); err != nil {
		return fmt.Errorf("writing unit length: %w", err)
	}
	if _, err := w.Write(unit); err != nil {
		return fmt.Errorf("writing unit: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, vol.Data); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	return nil
}

// ReadRaw deserializes a volume from the container format.
func ReadRaw(r io.Reader) (*models.VolumeDataset, error) {
	var hdr rawHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrBadContainer, err)
	}
	if hdr.Magic != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadContainer, hdr.Magic)
	}
	if hdr.DType != DTypeFloat64 {
		return nil, fmt.Errorf("%w: unsupported dtype %d", ErrBadContainer, hdr.DType)
	}
	if hdr.Nx == 0 || hdr.Ny == 0 || hdr.Nz == 0 ||
		hdr.Nx > maxDim || hdr.Ny > maxDim || hdr.Nz > maxDim {
		return nil, fmt.Errorf("%w: dimensions %dx%dx%d", ErrBadContainer, hdr.Nx, hdr.Ny, hdr.Nz)
	}

	var unitLen uint16
	if err := binary.Read(r, binary.LittleEndian, &unitLen); err != nil {
		return nil, fmt.Errorf("%w: reading unit length: %v", ErrBadContainer, err)
	}
	unit := make([]byte, unitLen)
	if _, err := io.ReadFull(r, unit); err != nil {
		return nil, fmt.Errorf("%w: reading unit: %v", ErrBadContainer, err)
	}

	vol := &models.VolumeDataset{
		Nx:       int(hdr.Nx),
		Ny:       int(hdr.Ny),
		Nz:       int(hdr.Nz),
		SpacingX: hdr.SpacingX,
		SpacingY: hdr.SpacingY,
		SpacingZ: hdr.SpacingZ,
		OriginX:  hdr.OriginX,
		OriginY:  hdr.OriginY,
		OriginZ:  hdr.OriginZ,
		Unit:     string(unit),
		Data:     make([]float64, int(hdr.Nx)*int(hdr.Ny)*int(hdr.Nz)),
	}
	if err := binary.Read(r, binary.LittleEndian, vol.Data); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", ErrBadContainer, err)
	}
	return vol, nil
}

// LoadVolume reads a container file from disk.
func LoadVolume(path string) (*models.VolumeDataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRaw(f)
}

// SaveVolume writes a container file to disk.
func SaveVolume(path string, vol *models.VolumeDataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteRaw(f, vol); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MapVolume wraps a parametric map in the volume data model so it can travel
// through the same container as any acquisition. Maps carry no origin.
func MapVolume(m *perfusion.ParametricMap) *models.VolumeDataset {
	return &models.VolumeDataset{
		Nx:       m.Nx,
		Ny:       m.Ny,
		Nz:       m.Nz,
		SpacingX: m.SpacingX,
		SpacingY: m.SpacingY,
		SpacingZ: m.SpacingZ,
		Unit:     m.Unit,
		Data:     m.Data,
	}
}

// WriteMap serializes a parametric map to the container format.
func WriteMap(w io.Writer, m *perfusion.ParametricMap) error {
	return WriteRaw(w, MapVolume(m))
}

// SaveMap writes a parametric map container file to disk.
func SaveMap(path string, m *perfusion.ParametricMap) error {
	return SaveVolume(path, MapVolume(m))
}

// Report serializes a job snapshot, including its result, as indented JSON.
func Report(w io.Writer, job jobs.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reportEnvelope{
		ID:          job.ID,
		Kind:        job.Kind.String(),
		Status:      job.Status.String(),
		DatasetRef:  job.DatasetRef,
		Progress:    job.Progress,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
		Result:      job.Result,
	})
}

type reportEnvelope struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	DatasetRef  string    `json:"dataset_ref"`
	Progress    float64   `json:"progress"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	Error       string    `json:"error,omitempty"`
	Result      any       `json:"result,omitempty"`
}
