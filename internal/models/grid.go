package models

import (
	"fmt"
	"strings"
)

// GridPosition is a (row, column) coordinate in an acquisition grid.
// Row 0 is the top row and column 0 the leftmost column.
type GridPosition struct {
	Row int
	Col int
}

// RowMajor returns the row-major linear index of the position in a grid
// with the given number of columns.
func (p GridPosition) RowMajor(columns int) int {
	return p.Row*columns + p.Col
}

func (p GridPosition) String() string {
	return fmt.Sprintf("(row %d, col %d)", p.Row, p.Col)
}

// ScanCorner is the grid corner where the imager starts acquiring.
type ScanCorner int

const (
	TopLeft ScanCorner = iota
	TopRight
	BottomLeft
	BottomRight
)

var cornerNames = []string{"top-left", "top-right", "bottom-left", "bottom-right"}

func (c ScanCorner) String() string {
	if int(c) >= 0 && int(c) < len(cornerNames) {
		return cornerNames[c]
	}
	return fmt.Sprintf("ScanCorner(%d)", int(c))
}

// ParseScanCorner accepts names such as "top-left" or "TopLeft".
func ParseScanCorner(s string) (ScanCorner, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for i, name := range cornerNames {
		if strings.ReplaceAll(name, "-", "") == norm {
			return ScanCorner(i), nil
		}
	}
	return TopLeft, fmt.Errorf("unknown scan corner %q", s)
}

// ScanDirection is the axis the imager sweeps first.
type ScanDirection int

const (
	// Horizontal sweeps along a row before stepping to the next row
	Horizontal ScanDirection = iota
	// Vertical sweeps along a column before stepping to the next column
	Vertical
)

func (d ScanDirection) String() string {
	if d == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// ParseScanDirection accepts "horizontal" or "vertical".
func ParseScanDirection(s string) (ScanDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "horizontal", "rows", "":
		return Horizontal, nil
	case "vertical", "columns":
		return Vertical, nil
	}
	return Horizontal, fmt.Errorf("unknown scan direction %q", s)
}

// ScanPattern tells whether consecutive sweeps alternate direction.
type ScanPattern int

const (
	// Serpentine alternates the sweep direction (boustrophedon)
	Serpentine ScanPattern = iota
	// Raster restarts every sweep from the same side
	Raster
)

func (p ScanPattern) String() string {
	if p == Raster {
		return "raster"
	}
	return "serpentine"
}

// ParseScanPattern accepts "serpentine" or "raster".
func ParseScanPattern(s string) (ScanPattern, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serpentine", "snake", "boustrophedon", "":
		return Serpentine, nil
	case "raster", "comb":
		return Raster, nil
	}
	return Serpentine, fmt.Errorf("unknown scan pattern %q", s)
}
