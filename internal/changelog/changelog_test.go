package changelog

import (
	"errors"
	"fmt"
	"testing"

	"github.com/showjihyun/trellis/internal/protocol"
)

func change(id, target string) protocol.Change {
	return protocol.Change{
		ID:       id,
		Kind:     protocol.ChangeNodeUpdate,
		TargetID: target,
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	l := NewLog()

	for i := 1; i <= 3; i++ {
		ch, err := l.Append(change(fmt.Sprintf("c%d", i), "n1"))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if ch.SequenceNumber != uint64(i) {
			t.Errorf("Expected seq %d, got %d", i, ch.SequenceNumber)
		}
		if !ch.Applied {
			t.Error("Accepted change should be marked applied")
		}
	}

	if l.LastSeq() != 3 {
		t.Errorf("Expected last seq 3, got %d", l.LastSeq())
	}
}

func TestAppendDuplicateKeepsOriginalSequence(t *testing.T) {
	l := NewLog()

	first, _ := l.Append(change("c1", "n1"))
	l.Append(change("c2", "n2"))

	again, err := l.Append(change("c1", "n1"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}
	if again.SequenceNumber != first.SequenceNumber {
		t.Errorf("Expected original seq %d, got %d", first.SequenceNumber, again.SequenceNumber)
	}
	if l.LastSeq() != 2 {
		t.Errorf("Duplicate must not advance the counter, last seq %d", l.LastSeq())
	}
	if l.TailLen() != 2 {
		t.Errorf("Duplicate must not grow the log, tail %d", l.TailLen())
	}
}

func TestSince(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 5; i++ {
		l.Append(change(fmt.Sprintf("c%d", i), "n1"))
	}

	ops, err := l.Since(2)
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("Expected 3 changes after seq 2, got %d", len(ops))
	}
	if ops[0].SequenceNumber != 3 || ops[2].SequenceNumber != 5 {
		t.Errorf("Expected seqs 3..5, got %d..%d", ops[0].SequenceNumber, ops[2].SequenceNumber)
	}

	ops, err = l.Since(5)
	if err != nil || len(ops) != 0 {
		t.Errorf("Since(last) should be empty, got %d ops, err %v", len(ops), err)
	}
}

func TestSeedValidatesContiguity(t *testing.T) {
	tail := []protocol.Change{
		{ID: "c1", Kind: protocol.ChangeNodeAdd, TargetID: "n1", SequenceNumber: 1},
		{ID: "c3", Kind: protocol.ChangeNodeAdd, TargetID: "n3", SequenceNumber: 3},
	}

	err := NewLog().Seed(nil, 0, tail)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Expected ErrCorrupted for gapped tail, got %v", err)
	}

	good := []protocol.Change{
		{ID: "c4", Kind: protocol.ChangeNodeAdd, TargetID: "n4", SequenceNumber: 4},
		{ID: "c5", Kind: protocol.ChangeNodeAdd, TargetID: "n5", SequenceNumber: 5},
	}
	l := NewLog()
	if err := l.Seed(nil, 3, good); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if l.LastSeq() != 5 {
		t.Errorf("Expected last seq 5, got %d", l.LastSeq())
	}

	next, err := l.Append(change("c6", "n6"))
	if err != nil {
		t.Fatalf("Append after seed failed: %v", err)
	}
	if next.SequenceNumber != 6 {
		t.Errorf("Counter should resume at 6, got %d", next.SequenceNumber)
	}
}

func TestSincePastBaseIsTruncated(t *testing.T) {
	l := NewLog()
	l.Seed(nil, 10, nil)

	if _, err := l.Since(4); !errors.Is(err, ErrTruncated) {
		t.Errorf("Expected ErrTruncated below the base, got %v", err)
	}
	if _, err := l.Since(10); err != nil {
		t.Errorf("Since(base) should succeed, got %v", err)
	}
}

func TestCompactFoldsIntoBase(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 10; i++ {
		l.Append(change(fmt.Sprintf("c%d", i), "n1"))
	}

	if err := l.Compact(3); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	base, baseSeq := l.Base()
	if baseSeq != 7 {
		t.Errorf("Expected base seq 7, got %d", baseSeq)
	}
	if l.TailLen() != 3 {
		t.Errorf("Expected tail of 3, got %d", l.TailLen())
	}
	if l.LastSeq() != 10 {
		t.Errorf("Compaction must not move the counter, got %d", l.LastSeq())
	}

	folded, err := Unfold(base)
	if err != nil {
		t.Fatalf("Unfold failed: %v", err)
	}
	if len(folded) != 7 {
		t.Fatalf("Expected 7 folded changes, got %d", len(folded))
	}
	for i, op := range folded {
		if op.SequenceNumber != uint64(i+1) {
			t.Errorf("Folded change %d has seq %d", i, op.SequenceNumber)
		}
	}

	// Ids folded away are still recognized as duplicates
	if _, err := l.Append(change("c2", "n1")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Folded change should still dedupe, got %v", err)
	}

	// And a freshly seeded log recovers the index from the blob
	reloaded := NewLog()
	if err := reloaded.Seed(base, baseSeq, l.Tail()); err != nil {
		t.Fatalf("Seed from compacted state failed: %v", err)
	}
	if _, err := reloaded.Append(change("c5", "n1")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Reloaded log should recognize folded ids, got %v", err)
	}
}

func TestCompactBelowThresholdIsNoop(t *testing.T) {
	l := NewLog()
	l.Append(change("c1", "n1"))

	if err := l.Compact(5); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if l.TailLen() != 1 {
		t.Errorf("Small tail should be untouched, got %d", l.TailLen())
	}
}

func TestFoldUnfoldRoundTrip(t *testing.T) {
	ops := []protocol.Change{
		{ID: "a", Kind: protocol.ChangeNodeAdd, TargetID: "n1", Payload: []byte(`{"x":1}`), SequenceNumber: 1, Applied: true},
		{ID: "b", Kind: protocol.ChangeLinkAdd, TargetID: "l1", SequenceNumber: 2, Applied: true},
	}

	blob, err := Fold(nil, ops)
	if err != nil {
		t.Fatalf("Fold failed: %v", err)
	}

	// Folding on top of an existing blob extends it
	more, err := Fold(blob, []protocol.Change{{ID: "c", Kind: protocol.ChangeNodeRemove, TargetID: "n1", SequenceNumber: 3}})
	if err != nil {
		t.Fatalf("Second fold failed: %v", err)
	}

	out, err := Unfold(more)
	if err != nil {
		t.Fatalf("Unfold failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("Expected 3 changes, got %d", len(out))
	}
	if out[0].ID != "a" || out[1].ID != "b" || out[2].ID != "c" {
		t.Errorf("Order lost: %s %s %s", out[0].ID, out[1].ID, out[2].ID)
	}
	if string(out[0].Payload) != `{"x":1}` {
		t.Errorf("Payload lost: %s", out[0].Payload)
	}
}

func TestUnfoldRejectsTruncatedBlob(t *testing.T) {
	blob, _ := Fold(nil, []protocol.Change{{ID: "a", Kind: protocol.ChangeNodeAdd, TargetID: "n1", SequenceNumber: 1}})

	if _, err := Unfold(blob[:len(blob)-2]); err == nil {
		t.Error("Expected error for truncated blob")
	}
	if _, err := Unfold(blob[:2]); err == nil {
		t.Error("Expected error for blob shorter than a length prefix")
	}
}
