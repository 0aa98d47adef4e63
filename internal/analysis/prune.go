// SPDX-License-Identifier: MIT
package analysis

import "math"

// prune discards history older than the retention horizon ending at now.
//
// One extra window of raw samples is kept before the cutoff so any window that
// can still be computed has all of its data. Retained points are moved, never
// recomputed, and the cursor is rebased by the number of dropped samples.
func (d *Detector) prune(now float64) {
	oldestKeep := now - d.params.RetentionSeconds
	rate := d.params.SampleRate

	cut := math.Floor((oldestKeep-d.store.startTime)*rate) - float64(d.params.WindowSize)
	n := d.store.len()
	switch {
	case !(cut > 0):
		return
	case cut > float64(n):
		cut = float64(n)
	}
	drop := int(cut)

	d.store.dropFront(drop, rate)

	d.cursor -= drop
	if d.cursor < 0 {
		d.cursor = 0
	}

	// Filter in place; points are normally time-ordered but a live sample
	// rate change can break that ordering.
	kept := d.points[:0]
	for _, p := range d.points {
		if p.T >= oldestKeep {
			kept = append(kept, p)
		}
	}
	clear(d.points[len(kept):])
	d.points = kept
}
