package authority

import (
	"math"

	"statecast.dev/internal/protocol"
)

type cellKey struct {
	X int
	Z int
}

// SpatialIndex caches entity positions in a uniform grid. Position
// lookups are O(1); radius queries touch only the overlapped cells.
// Accessed only from the authority loop.
type SpatialIndex struct {
	cellSize    float64
	invCellSize float64
	cells       map[cellKey][]uint64
	entries     map[uint64]spatialEntry
}

type spatialEntry struct {
	pos  protocol.Vector
	cell cellKey
}

func NewSpatialIndex(cellSize float64) *SpatialIndex {
	if cellSize <= 0 {
		cellSize = 1000
	}
	return &SpatialIndex{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cells:       map[cellKey][]uint64{},
		entries:     map[uint64]spatialEntry{},
	}
}

func (idx *SpatialIndex) cellFor(p protocol.Vector) cellKey {
	return cellKey{
		X: int(math.Floor(p.X * idx.invCellSize)),
		Z: int(math.Floor(p.Z * idx.invCellSize)),
	}
}

// Upsert records the latest known position for id.
func (idx *SpatialIndex) Upsert(id uint64, pos protocol.Vector) {
	cell := idx.cellFor(pos)
	if prev, ok := idx.entries[id]; ok {
		if prev.cell == cell {
			idx.entries[id] = spatialEntry{pos: pos, cell: cell}
			return
		}
		idx.removeFromCell(id, prev.cell)
	}
	idx.entries[id] = spatialEntry{pos: pos, cell: cell}
	idx.cells[cell] = append(idx.cells[cell], id)
}

func (idx *SpatialIndex) Remove(id uint64) {
	e, ok := idx.entries[id]
	if !ok {
		return
	}
	idx.removeFromCell(id, e.cell)
	delete(idx.entries, id)
}

func (idx *SpatialIndex) removeFromCell(id uint64, cell cellKey) {
	bucket := idx.cells[cell]
	for i, v := range bucket {
		if v == id {
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			break
		}
	}
	if len(bucket) == 0 {
		delete(idx.cells, cell)
	} else {
		idx.cells[cell] = bucket
	}
}

// PositionOf returns the cached position, if any.
func (idx *SpatialIndex) PositionOf(id uint64) (protocol.Vector, bool) {
	e, ok := idx.entries[id]
	return e.pos, ok
}

// DistSqBetween returns the squared distance between two cached
// entities. The second return is false when either has no position.
func (idx *SpatialIndex) DistSqBetween(a, b uint64) (float64, bool) {
	ea, ok := idx.entries[a]
	if !ok {
		return 0, false
	}
	eb, ok := idx.entries[b]
	if !ok {
		return 0, false
	}
	return distSq(ea.pos, eb.pos), true
}

// DistSqTo returns the squared distance from a fixed point to a cached
// entity.
func (idx *SpatialIndex) DistSqTo(from protocol.Vector, id uint64) (float64, bool) {
	e, ok := idx.entries[id]
	if !ok {
		return 0, false
	}
	return distSq(from, e.pos), true
}

// QueryRadius appends the ids of all cached entities within radius of
// from. Scans only cells overlapping the query square.
func (idx *SpatialIndex) QueryRadius(from protocol.Vector, radius float64, out []uint64) []uint64 {
	if radius <= 0 {
		return out
	}
	rSq := radius * radius
	minX := int(math.Floor((from.X - radius) * idx.invCellSize))
	maxX := int(math.Floor((from.X + radius) * idx.invCellSize))
	minZ := int(math.Floor((from.Z - radius) * idx.invCellSize))
	maxZ := int(math.Floor((from.Z + radius) * idx.invCellSize))
	for cx := minX; cx <= maxX; cx++ {
		for cz := minZ; cz <= maxZ; cz++ {
			for _, id := range idx.cells[cellKey{X: cx, Z: cz}] {
				if d, ok := idx.DistSqTo(from, id); ok && d <= rSq {
					out = append(out, id)
				}
			}
		}
	}
	return out
}

func distSq(a, b protocol.Vector) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}
