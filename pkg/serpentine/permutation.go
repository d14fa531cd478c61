// Package serpentine maps the order in which the imager acquired tiles to the
// row-major order a grid-stitching engine expects, and renames the assembled
// FOV files accordingly.
//
// A mapping comes either from the grid geometry (Analytic) or, for layouts
// that no formula describes, from an explicit table (Table). Both produce a
// Permutation: entry a holds the stitching index of acquisition index a.
package serpentine

import (
	"fmt"
	"sort"

	"github.com/mkmik/argsort"
)

// Mapper produces the permutation for n acquired tiles.
type Mapper interface {
	Permutation(n int) (Permutation, error)
	Describe() string
}

// Permutation maps acquisition index -> stitching index.
type Permutation []int

// BijectionError reports a permutation that is not a bijection over 0..N-1.
type BijectionError struct {
	N          int
	Duplicates []int
	Missing    []int
	OutOfRange []int
}

func (e *BijectionError) Error() string {
	return fmt.Sprintf("permutation over %d tiles is not a bijection: duplicates %v, missing targets %v, out of range %v",
		e.N, e.Duplicates, e.Missing, e.OutOfRange)
}

// Validate checks that every target 0..len(p)-1 appears exactly once.
func (p Permutation) Validate() error {
	n := len(p)
	seen := make([]int, n)
	e := &BijectionError{N: n}
	for _, target := range p {
		if target < 0 || target >= n {
			e.OutOfRange = append(e.OutOfRange, target)
			continue
		}
		seen[target]++
		if seen[target] == 2 {
			e.Duplicates = append(e.Duplicates, target)
		}
	}
	for target, count := range seen {
		if count == 0 {
			e.Missing = append(e.Missing, target)
		}
	}
	if len(e.Duplicates)+len(e.Missing)+len(e.OutOfRange) > 0 {
		sort.Ints(e.Duplicates)
		return e
	}
	return nil
}

// Inverse returns the permutation mapping stitching index -> acquisition index.
// p must be valid.
func (p Permutation) Inverse() Permutation {
	order := argsort.SortSlice(p, func(i, j int) bool { return p[i] < p[j] })
	return Permutation(order)
}

// Targets returns a sorted copy of the stitching indices.
func (p Permutation) Targets() []int {
	out := append([]int(nil), p...)
	sort.Ints(out)
	return out
}
