// Package dedup implements the tunnel dataplane's duplicate packet
// suppression, keyed by a 64-bit packet identifier derived either from an
// IPv4 header (ICMP over GRE) or a sender-appended trailer (UDP/TCP).
//
// Two distinct detector shapes exist, matching Ip4DupDetector's two
// isADuplicated overloads: a bounded, per-flow one (dupTables, used for
// GRE/ICMP via FlowDetector) and a flat, global, never-evicting one
// (_pktidset, used directly for UDP/TCP pktid checks). They are not
// interchangeable: the original never partitions the pktid set by flow
// and never evicts from it.
package dedup

import (
	"container/list"
	"sync"
)

// historyLen bounds the per-flow re-hit history tracked for eviction.
const historyLen = 10

// Detector is a duplicate-packet-id detector. The zero value is not usable;
// use New or NewUnbounded. Detector is safe for concurrent use.
//
// A bounded Detector (New) preserves the original per-flow behaviour: the
// history records an id only when it is seen again (a re-hit), not on
// first sight, so the underlying id set can grow without a first-sight
// bound until the first duplicate arrives. This is intentional, not a
// bug — see DESIGN.md.
type Detector struct {
	mu      sync.Mutex
	seen    map[uint64]struct{}
	history *list.List // of uint64, oldest-first; nil for an unbounded Detector
}

// New creates an empty detector whose re-hit history is bounded to
// historyLen entries, matching Ip4DupDetector::dupTables's per-(src,dst)
// DupTable/OrderedByIdTable pair. Used as the per-flow detector behind
// FlowDetector.
func New() *Detector {
	return &Detector{
		seen:    make(map[uint64]struct{}),
		history: list.New(),
	}
}

// NewUnbounded creates a detector backed by a single flat set with no
// history and no eviction, matching Ip4DupDetector::_pktidset: once an id
// has been inserted it is a duplicate on every subsequent sighting, for
// the lifetime of the detector. This is the one Manager uses directly
// (not through FlowDetector) for UDP/TCP pktid dedup.
func NewUnbounded() *Detector {
	return &Detector{seen: make(map[uint64]struct{})}
}

// IsDuplicate inserts id into the seen set and reports whether it was
// already present. On a re-hit of a bounded Detector, id is pushed onto
// the history; once the history exceeds its capacity the oldest tracked
// id is evicted from both the history and the seen set. An unbounded
// Detector never evicts.
func (d *Detector) IsDuplicate(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[id]; dup {
		if d.history != nil {
			d.history.PushBack(id)
			if d.history.Len() > historyLen {
				oldest := d.history.Remove(d.history.Front()).(uint64) //nolint:forcetypeassert
				delete(d.seen, oldest)
			}
		}
		return true
	}

	d.seen[id] = struct{}{}
	return false
}

// FlowKey derives the per-flow key used by FlowDetector: the source address
// in the high 32 bits, the destination address in the low 32 bits.
func FlowKey(srcAddr, dstAddr uint32) uint64 {
	return uint64(srcAddr)<<32 | uint64(dstAddr)
}

// FlowDetector maintains one bounded Detector per flow key, matching
// Ip4DupDetector::dupTables. It backs GRE/ICMP dedup only; UDP/TCP dedup
// uses a single NewUnbounded Detector directly, not FlowDetector.
type FlowDetector struct {
	mu    sync.Mutex
	flows map[uint64]*Detector
}

// NewFlowDetector creates an empty per-flow detector.
func NewFlowDetector() *FlowDetector {
	return &FlowDetector{flows: make(map[uint64]*Detector)}
}

// IsDuplicate reports whether id has already been seen on the flow keyed by
// flowKey (see FlowKey), creating the per-flow detector lazily.
func (f *FlowDetector) IsDuplicate(flowKey, id uint64) bool {
	f.mu.Lock()
	d, ok := f.flows[flowKey]
	if !ok {
		d = New()
		f.flows[flowKey] = d
	}
	f.mu.Unlock()

	return d.IsDuplicate(id)
}

// ICMPPacketID derives the GRE-over-ICMP duplicate id from IPv4 header
// fields, matching the source's (ident<<16|fragment)<<32 | (length<<16|checksum)
// construction.
func ICMPPacketID(ident, fragment, length, checksum uint16) uint64 {
	hi := uint64(ident)<<16 | uint64(fragment)
	lo := uint64(length)<<16 | uint64(checksum)
	return hi<<32 | lo
}
