package internal

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
)

// ErrNoPath is returned when no sequence of patches connects two digests
var ErrNoPath = errors.New("no patch path")

// PatchChain is an ordered list of edges applied one after another
type PatchChain []PatchEdge

// TotalSize sums the declared download size of every edge
func (c PatchChain) TotalSize() int64 {
	var total int64
	for _, e := range c {
		total += e.Size
	}
	return total
}

// planStep is the best known way to reach a digest at the current BFS depth
type planStep struct {
	edge     PatchEdge
	prev     Digest
	size     int64
	locators []string
}

// PlanChain finds the patches that take current to entry.Digest.
//
// Chains with fewer edges win. Among chains of equal length the smallest
// total declared Size wins, and remaining ties go to the lexicographically
// smallest sequence of locators, so the result never depends on map or
// manifest order. Edges with an unknown size count as zero bytes.
func PlanChain(current Digest, entry *ManifestEntry) (PatchChain, error) {
	target := entry.Digest
	if current == target {
		return PatchChain{}, nil
	}

	adjacency := make(map[Digest][]PatchEdge)
	for _, e := range entry.Edges {
		if e.Source == e.Destination {
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e)
	}

	best := map[Digest]*planStep{current: {}}
	frontier := []Digest{current}

	for len(frontier) > 0 {
		next := make(map[Digest]*planStep)

		for _, from := range frontier {
			reached := best[from]
			for _, e := range adjacency[from] {
				if _, done := best[e.Destination]; done {
					continue
				}
				candidate := &planStep{
					edge:     e,
					prev:     from,
					size:     reached.size + e.Size,
					locators: append(slices.Clone(reached.locators), e.Locator),
				}
				if existing, ok := next[e.Destination]; !ok || betterStep(candidate, existing) {
					next[e.Destination] = candidate
				}
			}
		}

		frontier = frontier[:0]
		for d, step := range next {
			best[d] = step
			frontier = append(frontier, d)
		}

		if _, ok := best[target]; ok {
			return rebuildChain(best, current, target), nil
		}
	}

	return nil, fmt.Errorf("%w from %s to %s for %s", ErrNoPath, current.Short(), target.Short(), entry.Name)
}

func betterStep(a, b *planStep) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	if c := slices.Compare(a.locators, b.locators); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.prev[:], b.prev[:]) < 0
}

func rebuildChain(best map[Digest]*planStep, current, target Digest) PatchChain {
	var chain PatchChain
	for d := target; d != current; {
		step := best[d]
		chain = append(chain, step.edge)
		d = step.prev
	}
	slices.Reverse(chain)
	return chain
}

// ValidateChain checks that chain starts at current, links edge to edge and
// ends at target
func ValidateChain(current, target Digest, chain PatchChain) error {
	if len(chain) == 0 {
		if current != target {
			return fmt.Errorf("empty chain but %s != %s", current.Short(), target.Short())
		}
		return nil
	}

	if chain[0].Source != current {
		return fmt.Errorf("chain starts at %s, file is at %s", chain[0].Source.Short(), current.Short())
	}
	for i := 1; i < len(chain); i++ {
		if chain[i-1].Destination != chain[i].Source {
			return fmt.Errorf("edge %d ends at %s but edge %d starts at %s",
				i-1, chain[i-1].Destination.Short(), i, chain[i].Source.Short())
		}
	}
	if last := chain[len(chain)-1]; last.Destination != target {
		return fmt.Errorf("chain ends at %s, target is %s", last.Destination.Short(), target.Short())
	}
	return nil
}
