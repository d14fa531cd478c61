// Package grouping turns a sorted catalog of single-plane frames into one
// assembled volume per field of view.
//
// # States
//
// The machine makes one forward pass over the catalog plus one virtual step
// past the last frame:
//
//	ACCUMULATING_SLICES --(channel changes)--> CHANNEL_BOUNDARY --> ACCUMULATING_SLICES
//	         |                                        |
//	         |                                  (fov changes)
//	         |                                        v
//	         +---------------(end of input)----> FOV_BOUNDARY ----> DONE
//
// At a channel boundary the planes opened since the previous flush become one
// stack labelled with the outgoing channel. At an FOV boundary the stacks of
// the outgoing FOV are merged in declared channel order (or, with a single
// selected channel, the bare stack is kept), written to FOV_<n>, and every
// open image is closed before the next frame is opened.
//
// The last group has no following frame to trigger its flush. The extra
// step at index len(catalog) reuses the previous frame's values and forces
// both flushes, then moves to DONE without opening anything.
//
// # Memory
//
// At most one FOV group is open at a time. Images are released and the
// engine's reclaim hint is invoked after every flush, and on the error path.
package grouping
