package conn

import (
	"net/netip"
	"sync"
	"time"

	"github.com/cespare/xxhash"
)

const shardCount = 32

// Table maps peer addresses to records. Keys are spread over shards by
// xxhash; a shard lock is only held to find or insert a record, never while a
// caller's function runs, so work on one peer never waits on another.
//
// Lock order is shard then record. Functions passed to Alter and the
// OnRemove hook hold the record lock and must not call back into the table.
type Table struct {
	shards   [shardCount]shard
	onRemove func(*Record)
}

type shard struct {
	mu      sync.RWMutex
	records map[netip.AddrPort]*Record
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].records = make(map[netip.AddrPort]*Record)
	}
	return t
}

// OnRemove registers fn to run for every record leaving the table, with the
// shard and record locks held. Set it before the table is shared.
func (t *Table) OnRemove(fn func(*Record)) { t.onRemove = fn }

func (t *Table) removeLocked(s *shard, key netip.AddrPort, r *Record) {
	r.removed = true
	delete(s.records, key)
	if t.onRemove != nil {
		t.onRemove(r)
	}
}

func (t *Table) shardFor(key netip.AddrPort) *shard {
	b, _ := key.MarshalBinary()
	return &t.shards[xxhash.Sum64(b)%shardCount]
}

// Get returns the record for key without locking it.
func (t *Table) Get(key netip.AddrPort) (*Record, bool) {
	s := t.shardFor(key)
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	return r, ok
}

// Insert adds r under r.Addr. It reports false and leaves the table unchanged
// if the key is taken.
func (t *Table) Insert(r *Record) bool {
	s := t.shardFor(r.Addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Addr]; ok {
		return false
	}
	s.records[r.Addr] = r
	return true
}

// Alter runs fn on the record for key with the record locked. When the key is
// absent and create is non-nil, the record returned by create is inserted
// first and created is true. ok is false when no record was altered, either
// because none existed or because it was removed before fn could run.
func (t *Table) Alter(key netip.AddrPort, create func() *Record, fn func(*Record)) (created, ok bool) {
	s := t.shardFor(key)

	s.mu.RLock()
	r, found := s.records[key]
	s.mu.RUnlock()

	if !found {
		if create == nil {
			return false, false
		}
		s.mu.Lock()
		if r, found = s.records[key]; !found {
			r = create()
			s.records[key] = r
			created = true
		}
		s.mu.Unlock()
	}

	r.Lock()
	defer r.Unlock()
	if r.removed {
		return created, false
	}
	if fn != nil {
		fn(r)
	}
	return created, true
}

// Remove deletes key and returns the record it held.
func (t *Table) Remove(key netip.AddrPort) (*Record, bool) {
	return t.RemoveIf(key, nil)
}

// RemoveIf deletes key if its record satisfies pred (checked under the record
// lock). A nil pred always matches.
func (t *Table) RemoveIf(key netip.AddrPort, pred func(*Record) bool) (*Record, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil, false
	}
	r.Lock()
	defer r.Unlock()
	if pred != nil && !pred(r) {
		return nil, false
	}
	t.removeLocked(s, key, r)
	return r, true
}

// Sweep removes and returns every record whose last interaction is at least
// timeout before now.
func (t *Table) Sweep(now time.Time, timeout time.Duration) []*Record {
	var out []*Record
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, r := range s.records {
			r.Lock()
			if now.Sub(r.LastInteraction) >= timeout {
				t.removeLocked(s, key, r)
				out = append(out, r)
			}
			r.Unlock()
		}
		s.mu.Unlock()
	}
	return out
}

// Range calls fn for each record until fn returns false. Records are not
// locked and the table may change concurrently.
func (t *Table) Range(fn func(*Record) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		recs := make([]*Record, 0, len(s.records))
		for _, r := range s.records {
			recs = append(recs, r)
		}
		s.mu.RUnlock()
		for _, r := range recs {
			if !fn(r) {
				return
			}
		}
	}
}

func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
