package catalog

import (
	"fmt"
	"sort"

	"hyperstacker/internal/models"
)

// MissingGroupMemberError reports a frame implied by the numbering range that
// is not present in the catalog. Channel or Slice is -1 when a whole FOV or
// channel group is absent.
type MissingGroupMemberError struct {
	FOV     int
	Channel int
	Slice   int

	// Missing is the total number of absent members found
	Missing int
}

func (e *MissingGroupMemberError) Error() string {
	what := fmt.Sprintf("fov %d", e.FOV)
	if e.Channel >= 0 {
		what += fmt.Sprintf(" channel %d", e.Channel)
	}
	if e.Slice >= 0 {
		what += fmt.Sprintf(" slice %d", e.Slice)
	}
	return fmt.Sprintf("missing group member %s (%d missing in total)", what, e.Missing)
}

// CheckDensity verifies that FOVs are numbered 0..max without gaps, that
// every FOV carries every channel seen in the catalog and that every
// (fov, channel) group holds slices 0..max. The first gap is returned.
func (c *Catalog) CheckDensity() error {
	if len(c.Frames) == 0 {
		return nil
	}

	present := make(map[models.FrameKey]bool, len(c.Frames))
	fovs := map[int]bool{}
	channels := map[int]bool{}
	maxFOV, maxSlice := 0, 0
	for _, f := range c.Frames {
		present[f.Key()] = true
		fovs[f.FOV] = true
		channels[f.Channel] = true
		if f.FOV > maxFOV {
			maxFOV = f.FOV
		}
		if f.Slice > maxSlice {
			maxSlice = f.Slice
		}
	}
	chans := make([]int, 0, len(channels))
	for ch := range channels {
		chans = append(chans, ch)
	}
	sort.Ints(chans)

	var first *MissingGroupMemberError
	missing := 0
	note := func(fov, ch, sl int) {
		missing++
		if first == nil {
			first = &MissingGroupMemberError{FOV: fov, Channel: ch, Slice: sl}
		}
	}

	for fov := 0; fov <= maxFOV; fov++ {
		if !fovs[fov] {
			note(fov, -1, -1)
			continue
		}
		for _, ch := range chans {
			groupSeen := false
			var gaps []int
			for sl := 0; sl <= maxSlice; sl++ {
				if present[models.FrameKey{FOV: fov, Channel: ch, Slice: sl}] {
					groupSeen = true
				} else {
					gaps = append(gaps, sl)
				}
			}
			if !groupSeen {
				note(fov, ch, -1)
				continue
			}
			for _, sl := range gaps {
				note(fov, ch, sl)
			}
		}
	}

	if first != nil {
		first.Missing = missing
		return first
	}
	return nil
}
