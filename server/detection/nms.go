package detection

import "sort"

// Suppress performs greedy non-maximum suppression. Boxes are visited in
// descending confidence (ties keep input order) and a box is dropped when its
// IoU with an already kept box is >= iouThreshold. The input is not modified.
func Suppress(boxes []Box, iouThreshold float64) []Box {
	if len(boxes) == 0 {
		return []Box{}
	}

	remaining := make([]Box, len(boxes))
	copy(remaining, boxes)
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].Confidence > remaining[j].Confidence
	})

	kept := make([]Box, 0, len(remaining))
	for len(remaining) > 0 {
		best := remaining[0]
		kept = append(kept, best)

		survivors := remaining[:0]
		for _, b := range remaining[1:] {
			if IoU(best, b) < iouThreshold {
				survivors = append(survivors, b)
			}
		}
		remaining = survivors
	}

	return kept
}
