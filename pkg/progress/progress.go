// Package progress prints the advisory progress lines of a batch run.
// The lines are for people watching the run; nothing downstream parses them.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Reporter receives progress events from the grouping and stitching passes.
type Reporter interface {
	ImageOpened(done, total int)
	FOVCompleted(done, total int)
}

// Printer writes progress lines to W.
type Printer struct {
	W io.Writer

	// Images enables the per-image "Image: i/N" line
	Images bool
}

// NewPrinter returns a Printer writing to stdout.
func NewPrinter(images bool) *Printer {
	return &Printer{W: os.Stdout, Images: images}
}

func (p *Printer) ImageOpened(done, total int) {
	if p.Images {
		fmt.Fprintf(p.W, "Image: %d/%d\n", done, total)
	}
}

func (p *Printer) FOVCompleted(done, total int) {
	fmt.Fprintf(p.W, "FOV completed: %d/%d\n", done, total)
}

// Discard ignores every event.
type Discard struct{}

func (Discard) ImageOpened(int, int)  {}
func (Discard) FOVCompleted(int, int) {}

// Recorder keeps every event, in order. Useful in tests.
type Recorder struct {
	Images [][2]int
	FOVs   [][2]int
}

func (r *Recorder) ImageOpened(done, total int) {
	r.Images = append(r.Images, [2]int{done, total})
}

func (r *Recorder) FOVCompleted(done, total int) {
	r.FOVs = append(r.FOVs, [2]int{done, total})
}

// Minutes formats d as fractional minutes with one decimal, like the step summaries.
func Minutes(d time.Duration) string {
	return fmt.Sprintf("%.1f", d.Minutes())
}

// MergeSummary is the final line of a merge pass.
func MergeSummary(images, volumes int, bytes int64, elapsed time.Duration) string {
	return fmt.Sprintf("Images processed: %d Hyperstacks made: %d Written: %s Merging time (min): %s",
		images, volumes, humanize.Bytes(uint64(bytes)), Minutes(elapsed))
}

// StitchLine reports one finished partition.
func StitchLine(done int, label string, elapsed time.Duration) string {
	return fmt.Sprintf("Images stitched: %d (%s) Processing time for this image (min): %s",
		done, label, Minutes(elapsed))
}

// Since renders how long ago start was, e.g. "3 minutes ago".
func Since(start time.Time) string {
	return humanize.Time(start)
}
