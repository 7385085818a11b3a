package resolve

import (
	"fmt"
	"sync"

	"github.com/showjihyun/trellis/internal/protocol"
)

// Decision is the outcome of resolving one incoming change against the
// changes accepted since its base sequence.
type Decision struct {
	Accepted bool

	// Change to record when accepted. Under operational transform this
	// may differ from the submitted change.
	Change protocol.Change

	// Sequence numbers of earlier changes on the same target that the
	// incoming change raced against.
	Conflicts []uint64

	// Reason explains a rejection to the submitter.
	Reason string
}

// Policy decides whether an incoming change is accepted. Implementations
// must be deterministic: the same change against the same history always
// yields the same decision.
type Policy interface {
	Name() string
	Resolve(incoming protocol.Change, applied []protocol.Change) Decision
}

// LastWriteWins accepts every change in arrival order. Races on the same
// target are reported so the submitter can be told their view was stale,
// but the change still lands.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "last-write-wins" }

func (LastWriteWins) Resolve(incoming protocol.Change, applied []protocol.Change) Decision {
	d := Decision{Accepted: true, Change: incoming}
	for _, prior := range applied {
		if conflicts(prior, incoming) {
			d.Conflicts = append(d.Conflicts, prior.SequenceNumber)
		}
	}
	return d
}

// Transformer rewrites an incoming change against one previously accepted
// change on the same target. Returning false means the pair cannot be
// reconciled.
type Transformer func(incoming, prior protocol.Change) (protocol.Change, bool)

// OperationalTransform resolves races by rewriting the incoming change
// against each conflicting predecessor in sequence order. Transformers
// are registered per (incoming kind, prior kind) pair; a race with no
// registered transformer is rejected outright rather than guessed at.
type OperationalTransform struct {
	mu           sync.RWMutex
	transformers map[[2]string]Transformer
}

func NewOperationalTransform() *OperationalTransform {
	return &OperationalTransform{
		transformers: make(map[[2]string]Transformer),
	}
}

func (p *OperationalTransform) Name() string { return "operational-transform" }

// Register installs the transformer applied when a change of incomingKind
// races against an accepted change of priorKind.
func (p *OperationalTransform) Register(incomingKind, priorKind string, fn Transformer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transformers[[2]string{incomingKind, priorKind}] = fn
}

func (p *OperationalTransform) lookup(incomingKind, priorKind string) (Transformer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn, ok := p.transformers[[2]string{incomingKind, priorKind}]
	return fn, ok
}

func (p *OperationalTransform) Resolve(incoming protocol.Change, applied []protocol.Change) Decision {
	out := incoming
	var seen []uint64

	for _, prior := range applied {
		if !conflicts(prior, out) {
			continue
		}

		fn, ok := p.lookup(out.Kind, prior.Kind)
		if !ok {
			return Decision{
				Conflicts: seen,
				Reason:    fmt.Sprintf("no transform for %s against %s on %s", out.Kind, prior.Kind, out.TargetID),
			}
		}

		transformed, ok := fn(out, prior)
		if !ok {
			return Decision{
				Conflicts: seen,
				Reason:    fmt.Sprintf("transform of %s against seq %d failed", out.ID, prior.SequenceNumber),
			}
		}
		out = transformed
		seen = append(seen, prior.SequenceNumber)
	}

	return Decision{Accepted: true, Change: out, Conflicts: seen}
}

// A race exists when an intervening change from another participant
// touched the same element. A participant's own pipelined changes are
// not conflicts.
func conflicts(prior, incoming protocol.Change) bool {
	return prior.TargetID == incoming.TargetID && prior.Origin != incoming.Origin
}

// ByName returns the policy configured under the given name.
func ByName(name string) (Policy, error) {
	switch name {
	case "", "lww", "last-write-wins":
		return LastWriteWins{}, nil
	case "ot", "operational-transform":
		return NewOperationalTransform(), nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}
