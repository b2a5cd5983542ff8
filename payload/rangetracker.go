package payload

import (
	"gitlab.com/yawning/avl.git"
)

// byteRange is a half-open [start, end) span of bytes already written
// into an incoming payload's assembler. rangeTracker keeps these
// ordered by start offset so overlapping/duplicate DATA chunks
// (medium reordering, or a BWU mid-transfer channel swap replaying a
// chunk) are detected instead of corrupting the reassembled payload.
type byteRange struct {
	start, end int64
}

// rangeTracker wraps a gitlab.com/yawning/avl.git tree keyed by range
// start, giving O(log n) insert for arbitrarily-ordered chunk offsets;
// the overlap check walks ranges from the lowest start — the same ordered-index technique the teacher's decoy
// package uses for its SURB-expiry tree.
type rangeTracker struct {
	tree *avl.Tree
}

func newRangeTracker() *rangeTracker {
	return &rangeTracker{
		tree: avl.New(func(a, b interface{}) int {
			ra, rb := a.(*byteRange), b.(*byteRange)
			switch {
			case ra.start < rb.start:
				return -1
			case ra.start > rb.start:
				return 1
			default:
				return 0
			}
		}),
	}
}

// Add records [start, end) as written. It returns false if the range
// duplicates or overlaps a previously recorded range (a replayed or
// misordered DATA chunk), in which case the caller should drop it
// rather than double-count bytesTransferred.
func (rt *rangeTracker) Add(start, end int64) bool {
	if rt.overlaps(start, end) {
		return false
	}
	rt.tree.Insert(&byteRange{start: start, end: end})
	return true
}

func (rt *rangeTracker) overlaps(start, end int64) bool {
	iter := rt.tree.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		r := node.Value.(*byteRange)
		if start < r.end && r.start < end {
			return true
		}
		if r.start >= end {
			break
		}
	}
	return false
}

// Covered sums the total bytes recorded.
func (rt *rangeTracker) Covered() int64 {
	var total int64
	iter := rt.tree.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		r := node.Value.(*byteRange)
		total += r.end - r.start
	}
	return total
}

func (rt *rangeTracker) Len() int { return rt.tree.Len() }
