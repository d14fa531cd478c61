package serpentine

import (
	"fmt"

	"hyperstacker/internal/models"
)

// Analytic derives the mapping from a rectangular grid and the scan settings.
type Analytic struct {
	Columns   int
	Rows      int
	Corner    models.ScanCorner
	Direction models.ScanDirection
	Pattern   models.ScanPattern
}

// GeometryError reports a tile count that does not fill the grid.
type GeometryError struct {
	Columns int
	Rows    int
	Tiles   int
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("%d tiles do not fill a %d x %d grid (%d positions)",
		e.Tiles, e.Columns, e.Rows, e.Columns*e.Rows)
}

func (a Analytic) Describe() string {
	return fmt.Sprintf("analytic %dx%d %s %s from %s", a.Columns, a.Rows, a.Direction, a.Pattern, a.Corner)
}

// Position returns the grid cell of acquisition index acq.
func (a Analytic) Position(acq int) models.GridPosition {
	var pos models.GridPosition
	if a.Direction == models.Vertical {
		sweep, step := acq/a.Rows, acq%a.Rows
		if a.Pattern == models.Serpentine && sweep%2 == 1 {
			step = a.Rows - 1 - step
		}
		pos = models.GridPosition{Row: step, Col: sweep}
	} else {
		sweep, step := acq/a.Columns, acq%a.Columns
		if a.Pattern == models.Serpentine && sweep%2 == 1 {
			step = a.Columns - 1 - step
		}
		pos = models.GridPosition{Row: sweep, Col: step}
	}

	if a.Corner == models.TopRight || a.Corner == models.BottomRight {
		pos.Col = a.Columns - 1 - pos.Col
	}
	if a.Corner == models.BottomLeft || a.Corner == models.BottomRight {
		pos.Row = a.Rows - 1 - pos.Row
	}
	return pos
}

// Permutation returns the row-major index of every acquisition index.
// n must equal Columns*Rows.
func (a Analytic) Permutation(n int) (Permutation, error) {
	if a.Columns <= 0 || a.Rows <= 0 {
		return nil, fmt.Errorf("grid must have positive size, got %d x %d", a.Columns, a.Rows)
	}
	if n != a.Columns*a.Rows {
		return nil, &GeometryError{Columns: a.Columns, Rows: a.Rows, Tiles: n}
	}
	p := make(Permutation, n)
	for acq := range p {
		p[acq] = a.Position(acq).RowMajor(a.Columns)
	}
	return p, nil
}
