package client

import (
	"slices"

	"code.kassandra.org/golang/internal/wire"
)

// Entry locates one detected transaction: the global MASP index, which is
// unique on its own, and the block height it was detected at.
type Entry struct {
	Index  uint64
	Height uint64
}

func compareEntries(a, b Entry) int {
	switch {
	case a.Index != b.Index:
		if a.Index < b.Index {
			return -1
		}
		return 1
	case a.Height != b.Height:
		if a.Height < b.Height {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// IndexList is a set of detected entries, sorted by index. An index seen in
// several deltas keeps its lowest height.
type IndexList struct {
	entries []Entry
}

// AddDelta merges one decrypted result delta into the list.
func (self *IndexList) AddDelta(delta wire.ResultDelta) {
	for _, ix := range delta.Indices {
		self.entries = append(self.entries, Entry{Index: ix, Height: delta.Height})
	}
	self.normalize()
}

// Union merges other into self.
func (self *IndexList) Union(other IndexList) {
	self.entries = append(self.entries, other.entries...)
	self.normalize()
}

// Combine intersects self with other up to their common synced height.
//
// The list synced further ahead keeps all entries above the other's maximum
// height unconditionally; below it only indices present in both survive.
// Combining shrinks the false positive set when the same transactions were
// scanned under independent detection keys.
func (self *IndexList) Combine(other IndexList) {
	if 0 == len(self.entries) {
		*self = other
		return
	}
	if 0 == len(other.entries) {
		return
	}

	if self.MaxHeight() < other.MaxHeight() {
		*self, other = other, *self
	}
	common := other.MaxHeight()

	kept := self.entries[:0]
	for _, entry := range self.entries {
		if entry.Height > common || other.Contains(entry.Index) {
			kept = append(kept, entry)
		}
	}
	self.entries = kept
}

// Contains reports whether index is in the list.
func (self IndexList) Contains(index uint64) bool {
	_, found := slices.BinarySearchFunc(self.entries, index, func(entry Entry, ix uint64) int {
		switch {
		case entry.Index < ix:
			return -1
		case entry.Index > ix:
			return 1
		default:
			return 0
		}
	})
	return found
}

// MaxHeight returns the highest height in the list, 0 when empty.
func (self IndexList) MaxHeight() uint64 {
	var max uint64
	for _, entry := range self.entries {
		if entry.Height > max {
			max = entry.Height
		}
	}
	return max
}

// Indices returns the detected global transaction indices in ascending
// order.
func (self IndexList) Indices() []uint64 {
	indices := make([]uint64, len(self.entries))
	for pos, entry := range self.entries {
		indices[pos] = entry.Index
	}
	return indices
}

// Entries returns the sorted entries.
func (self IndexList) Entries() []Entry {
	return slices.Clone(self.entries)
}

// Len returns the number of entries.
func (self IndexList) Len() int {
	return len(self.entries)
}

func (self *IndexList) normalize() {
	slices.SortFunc(self.entries, compareEntries)
	self.entries = slices.CompactFunc(self.entries, func(a, b Entry) bool {
		return a.Index == b.Index
	})
}
