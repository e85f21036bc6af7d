// Package history keeps a bounded in-memory message history per
// conversation so the UI can render recent scrollback without a server
// round trip. Each conversation is a fixed-size ring buffer addressed by a
// monotonically increasing sequence number.
package history

import (
	"sync"
)

type Seq int64

const DefaultMaxRecords = 200

type Record struct {
	Seq       Seq
	Timestamp int64
	MessageID string
	SenderID  string
	Content   string
}

// Ring is a single conversation's history.
type Ring struct {
	records    []Record
	firstSeq   Seq
	lastSeq    Seq
	lastIndex  int
	maxRecords int

	mux sync.RWMutex
}

func NewRing(maxRecords int) *Ring {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Ring{
		maxRecords: maxRecords,
		lastIndex:  -1,
		firstSeq:   -1,
		lastSeq:    -1,
	}
}

// Append adds a record, assigning it the next sequence number. The oldest
// record is overwritten once the buffer is full.
func (r *Ring) Append(record Record) Seq {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.lastSeq++
	record.Seq = r.lastSeq

	switch {
	case len(r.records) < r.maxRecords:
		if r.firstSeq == -1 {
			r.firstSeq = r.lastSeq
		}
		r.records = append(r.records, record)
		r.lastIndex++
	default:
		r.firstSeq++
		i := (r.lastIndex + 1) % r.maxRecords
		r.records[i] = record
		r.lastIndex = i
	}

	return record.Seq
}

// Range returns records with sequence numbers in [from, to), clamped to
// what the buffer still holds.
func (r *Ring) Range(from, to Seq) []Record {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if r.firstSeq == -1 {
		return []Record{}
	}

	if from < r.firstSeq {
		from = r.firstSeq
	}
	if to > r.lastSeq+1 {
		to = r.lastSeq + 1
	}
	if from >= to {
		return []Record{}
	}

	return r.copyRange(from, int(to-from))
}

// Last returns up to count most recent records in chronological order.
func (r *Ring) Last(count int) []Record {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if r.lastSeq == -1 {
		return []Record{}
	}

	total := int(r.lastSeq - r.firstSeq + 1)
	if count > total {
		count = total
	}

	from := r.lastSeq - Seq(count) + 1
	return r.copyRange(from, count)
}

// copyRange copies count records starting at sequence from out of the ring.
// Callers hold at least a read lock.
func (r *Ring) copyRange(from Seq, count int) []Record {
	result := make([]Record, count)

	// Head index (oldest record).
	head := 0
	if len(r.records) == r.maxRecords {
		head = (r.lastIndex + 1) % r.maxRecords
	}

	offset := int(from - r.firstSeq)
	startIdx := (head + offset) % len(r.records)

	if startIdx+count <= len(r.records) {
		copy(result, r.records[startIdx:startIdx+count])
	} else {
		n1 := len(r.records) - startIdx
		copy(result, r.records[startIdx:])
		copy(result[n1:], r.records[:count-n1])
	}

	return result
}

// Store maps conversation ids to their rings, creating rings lazily.
type Store struct {
	maxRecords int
	rings      map[string]*Ring
	mu         sync.RWMutex
}

func NewStore(maxRecords int) *Store {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Store{
		maxRecords: maxRecords,
		rings:      make(map[string]*Ring),
	}
}

func (s *Store) Append(conversationID string, record Record) Seq {
	s.mu.Lock()
	ring, ok := s.rings[conversationID]
	if !ok {
		ring = NewRing(s.maxRecords)
		s.rings[conversationID] = ring
	}
	s.mu.Unlock()

	return ring.Append(record)
}

func (s *Store) Last(conversationID string, count int) []Record {
	s.mu.RLock()
	ring, ok := s.rings[conversationID]
	s.mu.RUnlock()
	if !ok {
		return []Record{}
	}
	return ring.Last(count)
}

func (s *Store) Range(conversationID string, from, to Seq) []Record {
	s.mu.RLock()
	ring, ok := s.rings[conversationID]
	s.mu.RUnlock()
	if !ok {
		return []Record{}
	}
	return ring.Range(from, to)
}
