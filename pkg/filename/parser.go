// Package filename decodes the positional naming scheme the EVOS M7000 imager
// uses for single-plane exports and re-encodes parsed names.
//
// The imager writes one file per slice, channel and field of view:
//
//	<prefix>_p<NN>_z<SS>_<T>_A<AA>f<FFF>d<C>.<ext>
//	ExperimentName_Bottom Slide_R_p00_z00_0_A00f00d0.tif
//
// SS is the slice (two digits), C the channel (one digit, 0-4), FFF the
// field of view (two or three digits, framed by the f and d markers) and AA
// the area. The p and T tokens are carried through untouched.
package filename

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"hyperstacker/internal/models"
)

// MaxChannel is the highest channel number the imager can write.
const MaxChannel = 4

var namePattern = regexp.MustCompile(`^(.*)_p(\d{2})_z(\d{2})_([^_]+)_A(\d{2})f(\d{2,3})d(\d)$`)

// Name holds every token of a parsed imager filename.
type Name struct {
	Prefix    string
	Position  int
	Slice     int
	Timepoint string
	Area      int
	FOV       int
	// FOVDigits is the zero-padded width of the FOV token (2 or 3)
	FOVDigits int
	Channel   int
	// Ext includes the leading dot
	Ext string
}

// MalformedFilenameError reports a file that does not follow the imager
// naming scheme. The file is left out of the catalog; the batch continues.
type MalformedFilenameError struct {
	Name   string
	Reason string
}

func (e *MalformedFilenameError) Error() string {
	return fmt.Sprintf("malformed filename %q: %s", e.Name, e.Reason)
}

// Parse decodes a filename (a bare name or a path) into its tokens.
func Parse(name string) (Name, error) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	m := namePattern.FindStringSubmatch(stem)
	if m == nil {
		return Name{}, &MalformedFilenameError{Name: base, Reason: diagnose(stem)}
	}

	n := Name{
		Prefix:    m[1],
		Timepoint: m[4],
		FOVDigits: len(m[6]),
		Ext:       ext,
	}
	// The pattern guarantees digits, so Atoi cannot fail.
	n.Position, _ = strconv.Atoi(m[2])
	n.Slice, _ = strconv.Atoi(m[3])
	n.Area, _ = strconv.Atoi(m[5])
	n.FOV, _ = strconv.Atoi(m[6])
	n.Channel, _ = strconv.Atoi(m[7])

	if n.Channel > MaxChannel {
		return Name{}, &MalformedFilenameError{
			Name:   base,
			Reason: fmt.Sprintf("channel %d exceeds imager maximum %d", n.Channel, MaxChannel),
		}
	}
	return n, nil
}

// diagnose names the first token of the grammar the stem is missing.
func diagnose(stem string) string {
	zi := strings.LastIndex(stem, "_z")
	switch {
	case !strings.Contains(stem, "_p"):
		return "missing _p<NN> delimiter"
	case zi < 0:
		return "missing _z<SS> slice delimiter"
	}
	rest := stem[zi+2:]
	fi := strings.LastIndex(rest, "f")
	di := strings.LastIndex(rest, "d")
	switch {
	case len(rest) < 2 || !isDigits(rest[:2]):
		return "slice token is not two digits"
	case !strings.Contains(rest, "_A"):
		return "missing _A<AA> area marker"
	case fi < 0:
		return "missing f field-of-view marker"
	case di < fi:
		return "missing d channel marker after field of view"
	case di-fi-1 < 2 || di-fi-1 > 3 || !isDigits(rest[fi+1:di]):
		return "field of view is not 2-3 digits between f and d"
	case !isDigits(rest[di+1:]) || len(rest[di+1:]) != 1:
		return "channel is not a single trailing digit"
	}
	return "does not match <prefix>_p<NN>_z<SS>_<T>_A<AA>f<FFF>d<C>"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Format re-encodes the tokens using the imager template.
func Format(n Name) string {
	digits := n.FOVDigits
	if digits < 2 {
		digits = 2
	}
	return fmt.Sprintf("%s_p%02d_z%02d_%s_A%02df%0*dd%d%s",
		n.Prefix, n.Position, n.Slice, n.Timepoint, n.Area, digits, n.FOV, n.Channel, n.Ext)
}

// Frame converts the parsed name into a catalog record for the file at path.
func (n Name) Frame(path string) models.Frame {
	return models.Frame{
		SourcePath: path,
		FOV:        n.FOV,
		Channel:    n.Channel,
		Slice:      n.Slice,
	}
}

// ParseFrame parses the base name of path and returns the catalog record.
func ParseFrame(path string) (models.Frame, error) {
	n, err := Parse(path)
	if err != nil {
		return models.Frame{}, err
	}
	return n.Frame(path), nil
}
