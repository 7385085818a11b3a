package changelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/showjihyun/trellis/internal/protocol"
)

var (
	// ErrDuplicate means the change id was already accepted.
	ErrDuplicate = errors.New("change already in log")

	// ErrCorrupted means the log's sequence numbering has a hole.
	ErrCorrupted = errors.New("change log sequence discontinuity")

	// ErrTruncated means the requested range was folded into the base
	// snapshot and can no longer be enumerated.
	ErrTruncated = errors.New("change log truncated by compaction")
)

// Log is a room's ordered change history: an opaque base snapshot
// covering everything up to baseSeq, plus the tail of individual changes
// after it. Sequence numbers start at 1 and never repeat or skip.
type Log struct {
	mu      sync.RWMutex
	base    []byte
	baseSeq uint64
	tail    []protocol.Change
	lastSeq uint64

	// change id to assigned sequence, kept across compaction so very
	// late retransmissions are still recognized
	index map[string]uint64
}

func NewLog() *Log {
	return &Log{index: make(map[string]uint64)}
}

// Seed loads persisted history into an empty log. The tail must follow
// the base contiguously or the stored history is unusable.
func (l *Log) Seed(base []byte, baseSeq uint64, tail []protocol.Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := make(map[string]uint64)
	if len(base) > 0 {
		if folded, err := Unfold(base); err == nil {
			for _, op := range folded {
				index[op.ID] = op.SequenceNumber
			}
		}
	}

	next := baseSeq + 1
	for _, op := range tail {
		if op.SequenceNumber != next {
			return fmt.Errorf("%w: expected seq %d, found %d", ErrCorrupted, next, op.SequenceNumber)
		}
		index[op.ID] = op.SequenceNumber
		next++
	}

	l.base = base
	l.baseSeq = baseSeq
	l.tail = append([]protocol.Change(nil), tail...)
	l.lastSeq = baseSeq + uint64(len(tail))
	l.index = index
	return nil
}

// Append assigns the next sequence number and records the change. A
// change whose id was seen before is returned with its original sequence
// number and ErrDuplicate instead of being recorded twice.
func (l *Log) Append(ch protocol.Change) (protocol.Change, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq, ok := l.index[ch.ID]; ok {
		ch.SequenceNumber = seq
		ch.Applied = true
		return ch, ErrDuplicate
	}

	ch.SequenceNumber = l.lastSeq + 1
	ch.Applied = true
	l.tail = append(l.tail, ch)
	l.lastSeq = ch.SequenceNumber
	l.index[ch.ID] = ch.SequenceNumber
	return ch, nil
}

// SeqOf reports the sequence assigned to a change id, if any.
func (l *Log) SeqOf(changeID string) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq, ok := l.index[changeID]
	return seq, ok
}

// Since returns the changes with sequence numbers greater than seq, in
// order. Asking for history older than the base snapshot returns
// ErrTruncated.
func (l *Log) Since(seq uint64) ([]protocol.Change, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq < l.baseSeq {
		return nil, fmt.Errorf("%w: base is %d, requested %d", ErrTruncated, l.baseSeq, seq)
	}
	if seq >= l.lastSeq {
		return nil, nil
	}

	start := int(seq - l.baseSeq)
	out := make([]protocol.Change, len(l.tail)-start)
	copy(out, l.tail[start:])
	return out, nil
}

// Tail returns a copy of every change after the base snapshot.
func (l *Log) Tail() []protocol.Change {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]protocol.Change, len(l.tail))
	copy(out, l.tail)
	return out
}

// Base returns the snapshot blob and the sequence it covers through.
func (l *Log) Base() ([]byte, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base, l.baseSeq
}

func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

func (l *Log) TailLen() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tail)
}

// Compact folds all but the most recent keep changes into the base
// snapshot. The id index is untouched, so duplicate detection still
// covers folded changes.
func (l *Log) Compact(keep int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	if len(l.tail) <= keep {
		return nil
	}

	cut := l.tail[:len(l.tail)-keep]
	folded, err := Fold(l.base, cut)
	if err != nil {
		return err
	}

	l.base = folded
	l.baseSeq = cut[len(cut)-1].SequenceNumber
	rest := l.tail[len(cut):]
	l.tail = append([]protocol.Change(nil), rest...)
	return nil
}

// Fold appends changes to a snapshot blob as length-prefixed JSON
// records. The blob stays self-describing: Unfold recovers the ordered
// changes without any side table.
func Fold(base []byte, ops []protocol.Change) ([]byte, error) {
	folded := append([]byte(nil), base...)
	for _, op := range ops {
		encoded, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("encode change %s: %w", op.ID, err)
		}
		n := uint32(len(encoded))
		folded = append(folded, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		folded = append(folded, encoded...)
	}
	return folded, nil
}

// Unfold splits a snapshot blob back into its ordered changes.
func Unfold(blob []byte) ([]protocol.Change, error) {
	var ops []protocol.Change
	offset := 0

	for offset < len(blob) {
		if offset+4 > len(blob) {
			return nil, fmt.Errorf("snapshot truncated at offset %d", offset)
		}

		n := uint32(blob[offset])<<24 |
			uint32(blob[offset+1])<<16 |
			uint32(blob[offset+2])<<8 |
			uint32(blob[offset+3])
		offset += 4

		if offset+int(n) > len(blob) {
			return nil, fmt.Errorf("snapshot record overruns blob at offset %d", offset)
		}

		var op protocol.Change
		if err := json.Unmarshal(blob[offset:offset+int(n)], &op); err != nil {
			return nil, fmt.Errorf("decode snapshot record: %w", err)
		}
		ops = append(ops, op)
		offset += int(n)
	}

	return ops, nil
}
