package txn

import "sort"

// byteRange is a half-open [start,end) byte range within a lane's
// in-progress snapshot set.
type byteRange struct {
	start, end uint64
}

// rangeTree tracks the non-overlapping, merged byte ranges a lane has
// already snapshotted into its undo chain this transaction (spec §4.7.4
// "Range merging"). The spec's balanced tree keyed by offset is replaced
// here with a plain sorted slice: a lane's in-flight range set is small
// (bounded by how many distinct byte ranges one transaction touches), so
// a linear merge is both simpler and plenty fast, in the same spirit as
// internal/epc's sharded-map-over-CAS-latch substitution (spec §9).
type rangeTree struct {
	ranges []byteRange
}

// Reset clears the tree, called at the start of a transaction's WORK
// stage and again once commit's pre_commit step has flushed it.
func (t *rangeTree) Reset() {
	t.ranges = t.ranges[:0]
}

// Ranges returns the tree's current merged ranges, in ascending order.
func (t *rangeTree) Ranges() []byteRange {
	return t.ranges
}

// Add merges [start,end) into the tree and returns the sub-ranges of
// [start,end) that were not already covered — exactly the bytes that
// still need a fresh undo snapshot (spec §4.7.4: "iterate ... insert and
// snapshot" / "extend ... and snapshot only the tail").
func (t *rangeTree) Add(start, end uint64) []byteRange {
	if end <= start {
		return nil
	}

	var fresh []byteRange
	cursor := start

	for _, r := range t.ranges {
		if r.end <= start || r.start >= end {
			continue
		}
		if r.start > cursor {
			fresh = append(fresh, byteRange{cursor, r.start})
		}
		if r.end > cursor {
			cursor = r.end
		}
	}
	if cursor < end {
		fresh = append(fresh, byteRange{cursor, end})
	}

	mergedStart, mergedEnd := start, end
	kept := t.ranges[:0:0]
	for _, r := range t.ranges {
		if r.end < start || r.start > end {
			kept = append(kept, r)
			continue
		}
		if r.start < mergedStart {
			mergedStart = r.start
		}
		if r.end > mergedEnd {
			mergedEnd = r.end
		}
	}
	kept = append(kept, byteRange{mergedStart, mergedEnd})
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	t.ranges = kept

	return fresh
}
