package session

import (
	"sort"
	"time"
)

// PendingInfo is a snapshot of one live entry.
type PendingInfo struct {
	ID        uint32
	Opcode    string
	Submitted time.Time
	Deadline  time.Time
}

// table correlates request ids with pending handles. It is not safe for
// concurrent use; the owning engine guards it.
type table struct {
	live  map[uint32]*Pending
	tombs map[uint32]time.Time
	next  uint32
}

func newTable() *table {
	return &table{
		live:  make(map[uint32]*Pending),
		tombs: make(map[uint32]time.Time),
	}
}

// allocate returns the next id that is neither live nor tombstoned. The
// counter wraps at 2^32.
func (t *table) allocate() (uint32, bool) {
	tries := len(t.live) + len(t.tombs) + 1
	for ; tries > 0; tries-- {
		id := t.next
		t.next++
		if _, ok := t.live[id]; ok {
			continue
		}
		if _, ok := t.tombs[id]; ok {
			continue
		}
		return id, true
	}
	return 0, false
}

func (t *table) insert(p *Pending) {
	t.live[p.id] = p
}

func (t *table) take(id uint32) (*Pending, bool) {
	p, ok := t.live[id]
	if ok {
		delete(t.live, id)
	}
	return p, ok
}

// remove drops p if it is still the live entry for its id.
func (t *table) remove(p *Pending) bool {
	if q, ok := t.live[p.id]; !ok || q != p {
		return false
	}
	delete(t.live, p.id)
	return true
}

func (t *table) tombstone(id uint32, until time.Time) {
	t.tombs[id] = until
}

// clearTomb reports whether id was tombstoned and forgets it.
func (t *table) clearTomb(id uint32) bool {
	if _, ok := t.tombs[id]; !ok {
		return false
	}
	delete(t.tombs, id)
	return true
}

// expire removes live entries whose deadline passed and tombstones their ids.
func (t *table) expire(now time.Time, window time.Duration) []*Pending {
	var out []*Pending
	for id, p := range t.live {
		if !now.Before(p.deadline) {
			delete(t.live, id)
			t.tombs[id] = now.Add(window)
			out = append(out, p)
		}
	}
	for id, until := range t.tombs {
		if !now.Before(until) {
			delete(t.tombs, id)
		}
	}
	return out
}

func (t *table) drain() []*Pending {
	out := make([]*Pending, 0, len(t.live))
	for id, p := range t.live {
		delete(t.live, id)
		out = append(out, p)
	}
	return out
}

func (t *table) list() []PendingInfo {
	out := make([]PendingInfo, 0, len(t.live))
	for _, p := range t.live {
		out = append(out, PendingInfo{
			ID:        p.id,
			Opcode:    p.op.String(),
			Submitted: p.submitted,
			Deadline:  p.deadline,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
