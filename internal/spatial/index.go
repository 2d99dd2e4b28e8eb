package spatial

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/paulmach/orb"
	"github.com/samber/lo"
)

type cellKey struct {
	x, y int64
}

// GridIndex is a uniform-grid spatial index over bounding rectangles.
// Items are identified by the order they were inserted in.
type GridIndex struct {
	cellSize float64
	cells    map[cellKey][]int
	rects    []r2.Rect
}

// NewGridIndex creates a grid index; cellSize should be close to the typical item extent
func NewGridIndex(cellSize float64) *GridIndex {
	if cellSize <= 0 {
		cellSize = 250
	}
	return &GridIndex{
		cellSize: cellSize,
		cells:    make(map[cellKey][]int),
	}
}

// Insert adds a bound to the index and returns its id
func (g *GridIndex) Insert(b orb.Bound) int {
	id := len(g.rects)
	rect := toRect(b)
	g.rects = append(g.rects, rect)

	minKey, maxKey := g.key(rect.Lo()), g.key(rect.Hi())
	for x := minKey.x; x <= maxKey.x; x++ {
		for y := minKey.y; y <= maxKey.y; y++ {
			k := cellKey{x, y}
			g.cells[k] = append(g.cells[k], id)
		}
	}
	return id
}

// Query returns the ids of every indexed bound intersecting b, in ascending order
func (g *GridIndex) Query(b orb.Bound) []int {
	rect := toRect(b)
	minKey, maxKey := g.key(rect.Lo()), g.key(rect.Hi())

	var hits []int
	for x := minKey.x; x <= maxKey.x; x++ {
		for y := minKey.y; y <= maxKey.y; y++ {
			for _, id := range g.cells[cellKey{x, y}] {
				if g.rects[id].Intersects(rect) {
					hits = append(hits, id)
				}
			}
		}
	}

	hits = lo.Uniq(hits)
	sort.Ints(hits)
	return hits
}

// Len returns the number of indexed items
func (g *GridIndex) Len() int {
	return len(g.rects)
}

func (g *GridIndex) key(p r2.Point) cellKey {
	return cellKey{
		x: int64(math.Floor(p.X / g.cellSize)),
		y: int64(math.Floor(p.Y / g.cellSize)),
	}
}

func toRect(b orb.Bound) r2.Rect {
	return r2.RectFromPoints(
		r2.Point{X: b.Min[0], Y: b.Min[1]},
		r2.Point{X: b.Max[0], Y: b.Max[1]},
	)
}
