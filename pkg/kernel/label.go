package kernel

import "fmt"

// Connectivity selects the voxel neighborhood used when grouping candidate
// voxels into connected components.
type Connectivity int

const (
	// Conn6 connects voxels sharing a face.
	Conn6 Connectivity = 6
	// Conn26 connects voxels sharing a face, edge or corner.
	Conn26 Connectivity = 26
)

// Components is the result of connected-component labeling. Labels are
// assigned in scan order of each component's first voxel, so the output is
// deterministic regardless of how many lanes performed the local pass.
type Components struct {
	// Labels holds one label per voxel: 0 for background, 1..Count for
	// component membership.
	Labels []int32

	// Count is the number of connected components found.
	Count int
}

// neighborOffsets returns the "prior" neighbor offsets for the given
// connectivity: only neighbors that precede a voxel in scan order, so a
// single forward sweep sees every adjacency exactly once.
func neighborOffsets(conn Connectivity) [][3]int {
	if conn == Conn6 {
		return [][3]int{{-1, 0, 0}, {0, -1, 0}, {0, 0, -1}}
	}
	var offs [][3]int
	for dz := -1; dz <= 0; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dz < 0 || (dz == 0 && dy < 0) || (dz == 0 && dy == 0 && dx < 0) {
					offs = append(offs, [3]int{dx, dy, dz})
				}
			}
		}
	}
	return offs
}

// unionFind is a disjoint-set forest over voxel indices with path halving.
// Merging always points the larger root at the smaller one, which keeps the
// final labeling independent of merge order.
type unionFind struct {
	parent []int32
}

func newUnionFind(n int) *unionFind {
	parent := make([]int32, n)
	for i := range parent {
		parent[i] = int32(i)
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int32) int32 {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int32) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// LabelComponents groups candidate voxels into connected components using a
// two-pass algorithm: a slab-local union pass that can run one lane per slab,
// followed by a sequential merge across slab boundaries and a compaction
// sweep. The slab partition only ever unions voxels inside the same slab, so
// the parallel pass touches disjoint state and needs no locking.
func LabelComponents(mask []bool, nx, ny, nz int, conn Connectivity, lanes int) (*Components, error) {
	if conn != Conn6 && conn != Conn26 {
		return nil, fmt.Errorf("unsupported connectivity %d (want 6 or 26)", conn)
	}
	n := nx * ny * nz
	if len(mask) != n {
		return nil, fmt.Errorf("mask length %d does not match dimensions %dx%dx%d", len(mask), nx, ny, nz)
	}

	offs := neighborOffsets(conn)
	uf := newUnionFind(n)
	planeSize := nx * ny

	// Local pass: union adjacencies whose both endpoints lie inside the
	// same z-slab. One lane per slab.
	if lanes > nz {
		lanes = nz
	}
	slab := nz
	if lanes > 1 {
		slab = (nz + lanes - 1) / lanes
	}
	ParallelFor(lanes, nz, func(zStart, zEnd int) {
		for z := zStart; z < zEnd; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					idx := z*planeSize + y*nx + x
					if !mask[idx] {
						continue
					}
					for _, off := range offs {
						nxp, nyp, nzp := x+off[0], y+off[1], z+off[2]
						if nxp < 0 || nxp >= nx || nyp < 0 || nyp >= ny || nzp < zStart {
							continue
						}
						nidx := nzp*planeSize + nyp*nx + nxp
						if mask[nidx] {
							uf.union(int32(idx), int32(nidx))
						}
					}
				}
			}
		}
	})

	// Merge pass: stitch adjacencies that cross slab boundaries. Runs on a
	// single goroutine over the boundary planes only.
	if lanes > 1 {
		for zb := slab; zb < nz; zb += slab {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					idx := zb*planeSize + y*nx + x
					if !mask[idx] {
						continue
					}
					for _, off := range offs {
						if off[2] != -1 {
							continue
						}
						nxp, nyp := x+off[0], y+off[1]
						if nxp < 0 || nxp >= nx || nyp < 0 || nyp >= ny {
							continue
						}
						nidx := (zb-1)*planeSize + nyp*nx + nxp
						if mask[nidx] {
							uf.union(int32(idx), int32(nidx))
						}
					}
				}
			}
		}
	}

	// Compaction: assign dense labels in scan order of each component root.
	labels := make([]int32, n)
	rootLabel := make(map[int32]int32)
	var count int32
	for i := 0; i < n; i++ {
		if !mask[i] {
			continue
		}
		root := uf.find(int32(i))
		label, ok := rootLabel[root]
		if !ok {
			count++
			label = count
			rootLabel[root] = label
		}
		labels[i] = label
	}

	return &Components{Labels: labels, Count: int(count)}, nil
}
