package merkle

// InclusionProof carries everything needed to verify that one leaf is part
// of a signed batch root without the other leaves.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	Path      []ProofStep `json:"path"`
}

// ProofStep is one sibling on the leaf-to-root path.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": which side the sibling sits on
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for the i-th leaf.
func (t *Tree) Proof(i int) (InclusionProof, error) {
	if len(t.levels) == 0 || i < 0 || i >= len(t.levels[0]) {
		return InclusionProof{}, ErrLeafIndex
	}

	proof := InclusionProof{
		LeafIndex: i,
		LeafHash:  t.levels[0][i],
		Root:      t.Root(),
	}

	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			// Odd level: the last node was duplicated, so the node is
			// its own sibling.
			sibling = idx
		}
		side := "R"
		if sibling < idx {
			side = "L"
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, SiblingHash: level[sibling]})
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusionProof recomputes the root from a leaf hash and its path.
// expectedRoot, when non-empty, must also match the proof's embedded root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.Root != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == proof.Root
}
