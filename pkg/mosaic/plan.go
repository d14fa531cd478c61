// Package mosaic splits a tall tile grid into row bands that can be stitched
// one at a time, and does the bookkeeping around each stitching call: the
// first tile index handed to the stitcher, the intermediate per-plane files it
// leaves behind, and the final Row_<start>_<end> label.
package mosaic

import (
	"fmt"
	"strconv"
	"strings"
)

// Partition is one band of full-width rows.
type Partition struct {
	// Index is the 0-based position of the partition in the plan
	Index int

	// FirstIndex is the row-major index of the band's top-left tile
	FirstIndex int

	// StartRow is the 0-based grid row the band starts at
	StartRow int

	Rows    int
	Columns int

	// Label names the stitched output, e.g. Row_01_05 (1-based, inclusive)
	Label string
}

// Tiles returns the number of tiles in the band.
func (p Partition) Tiles() int {
	return p.Rows * p.Columns
}

// LastIndex returns the row-major index of the band's last tile.
func (p Partition) LastIndex() int {
	return p.FirstIndex + p.Tiles() - 1
}

// Label formats the row range of a band of rows starting at the 0-based startRow.
func Label(startRow, rows int) string {
	return fmt.Sprintf("Row_%02d_%02d", startRow+1, startRow+rows)
}

// PartitionMismatchError reports a plan that does not cover the declared
// rows exactly, or explicit first-tile indices that disagree with the plan.
type PartitionMismatchError struct {
	TotalRows           int
	RowsPerPartition    int
	RowsInLastPartition int
	Covered             int
	Reason              string
}

func (e *PartitionMismatchError) Error() string {
	msg := fmt.Sprintf("partitions of %d rows (last %d) cover %d of %d rows",
		e.RowsPerPartition, e.RowsInLastPartition, e.Covered, e.TotalRows)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Plan splits totalRows grid rows of columns tiles into bands of
// rowsPerPartition rows, except the last which has rowsInLastPartition rows.
// A zero rowsInLastPartition means the last band is like the others.
func Plan(totalRows, rowsPerPartition, rowsInLastPartition, columns int) ([]Partition, error) {
	if rowsInLastPartition == 0 {
		rowsInLastPartition = rowsPerPartition
	}
	if totalRows <= 0 || rowsPerPartition <= 0 || rowsInLastPartition <= 0 || columns <= 0 {
		return nil, fmt.Errorf("grid geometry must be positive: rows %d, rows per partition %d, last %d, columns %d",
			totalRows, rowsPerPartition, rowsInLastPartition, columns)
	}

	mismatch := func(covered int, reason string) error {
		return &PartitionMismatchError{
			TotalRows:           totalRows,
			RowsPerPartition:    rowsPerPartition,
			RowsInLastPartition: rowsInLastPartition,
			Covered:             covered,
			Reason:              reason,
		}
	}
	if rowsInLastPartition > totalRows {
		return nil, mismatch(rowsInLastPartition, "last partition is taller than the grid")
	}
	body := totalRows - rowsInLastPartition
	if body%rowsPerPartition != 0 {
		covered := body/rowsPerPartition*rowsPerPartition + rowsInLastPartition
		return nil, mismatch(covered, fmt.Sprintf("%d rows before the last partition are not a multiple of %d",
			body, rowsPerPartition))
	}

	n := body/rowsPerPartition + 1
	parts := make([]Partition, n)
	row := 0
	for i := range parts {
		rows := rowsPerPartition
		if i == n-1 {
			rows = rowsInLastPartition
		}
		parts[i] = Partition{
			Index:      i,
			FirstIndex: row * columns,
			StartRow:   row,
			Rows:       rows,
			Columns:    columns,
			Label:      Label(row, rows),
		}
		row += rows
	}
	if err := CheckCoverage(parts, totalRows); err != nil {
		return nil, err
	}
	return parts, nil
}

// CheckCoverage verifies that parts cover exactly totalRows rows and that no
// tile belongs to two partitions.
func CheckCoverage(parts []Partition, totalRows int) error {
	covered := 0
	nextTile := 0
	for _, p := range parts {
		covered += p.Rows
		if p.FirstIndex < nextTile {
			return &PartitionMismatchError{TotalRows: totalRows, Covered: covered,
				Reason: fmt.Sprintf("%s starts at tile %d, inside the previous partition", p.Label, p.FirstIndex)}
		}
		nextTile = p.LastIndex() + 1
	}
	if covered != totalRows {
		return &PartitionMismatchError{TotalRows: totalRows, Covered: covered}
	}
	return nil
}

// ParseFirstIndices parses a comma-separated list such as "0, 35, 70".
func ParseFirstIndices(s string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("first tile index %q is not a number", field)
		}
		out = append(out, n)
	}
	return out, nil
}

// CheckFirstIndices compares explicitly configured first-tile indices with
// the plan. An empty list is accepted.
func CheckFirstIndices(parts []Partition, indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	totalRows := 0
	for _, p := range parts {
		totalRows += p.Rows
	}
	if len(indices) != len(parts) {
		return &PartitionMismatchError{TotalRows: totalRows, Covered: totalRows,
			Reason: fmt.Sprintf("%d first tile indices given for %d partitions", len(indices), len(parts))}
	}
	for i, p := range parts {
		if indices[i] != p.FirstIndex {
			return &PartitionMismatchError{TotalRows: totalRows, Covered: totalRows,
				Reason: fmt.Sprintf("first tile index %d of %s should be %d", indices[i], p.Label, p.FirstIndex)}
		}
	}
	return nil
}
