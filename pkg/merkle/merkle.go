// Package merkle builds SHA-256 Merkle trees over ordered leaves.
//
// Leaves are hashed individually; siblings combine as
// sha256(hex(left) || hex(right)) and an unpaired final node at a level is
// promoted unchanged. Hashes are carried as lowercase hex strings.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Node is one vertex of the tree. Nodes are owned by the Index that built them.
type Node struct {
	Hash  string
	Left  *Node
	Right *Node
}

// Index is an immutable tree built from a fixed leaf sequence.
type Index struct {
	root   *Node
	leaves []*Node
}

// HashLeaf returns the hex digest of a single leaf payload.
func HashLeaf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// Build constructs a tree over the leaves in the given order.
func Build(leaves [][]byte) *Index {
	idx := &Index{leaves: make([]*Node, len(leaves))}
	for i, l := range leaves {
		idx.leaves[i] = &Node{Hash: HashLeaf(l)}
	}
	if len(idx.leaves) == 0 {
		return idx
	}

	level := idx.leaves
	for len(level) > 1 {
		next := make([]*Node, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, &Node{
					Hash:  hashPair(level[i].Hash, level[i+1].Hash),
					Left:  level[i],
					Right: level[i+1],
				})
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	idx.root = level[0]
	return idx
}

// RootHash is empty for an empty tree.
func (idx *Index) RootHash() string {
	if idx == nil || idx.root == nil {
		return ""
	}
	return idx.root.Hash
}

func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.leaves)
}

// LeafHashes returns the leaf digests in tree order.
func (idx *Index) LeafHashes() []string {
	out := make([]string, idx.Len())
	for i, n := range idx.leaves {
		out[i] = n.Hash
	}
	return out
}

// Equal reports whether two indexes summarize the same content.
func (idx *Index) Equal(other *Index) bool {
	return idx.RootHash() == other.RootHash()
}

// DiffLeaves returns the positions whose leaf digests differ, including
// positions present in only one of the trees.
func (idx *Index) DiffLeaves(other *Index) []int {
	a, b := idx.LeafHashes(), other.LeafHashes()
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	var diff []int
	for i := 0; i < n; i++ {
		if i >= len(a) || i >= len(b) || a[i] != b[i] {
			diff = append(diff, i)
		}
	}
	return diff
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"` // sibling sits to the left of the running hash
}

// Proof returns the inclusion path for leaf i. Promoted levels contribute no step.
func (idx *Index) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= idx.Len() {
		return nil, fmt.Errorf("merkle: leaf %d out of range [0,%d)", i, idx.Len())
	}
	var proof []ProofStep
	level := idx.leaves
	pos := i
	for len(level) > 1 {
		next := make([]*Node, 0, (len(level)+1)/2)
		for j := 0; j < len(level); j += 2 {
			if j+1 < len(level) {
				next = append(next, &Node{Hash: hashPair(level[j].Hash, level[j+1].Hash)})
			} else {
				next = append(next, level[j])
			}
		}
		if pos%2 == 1 {
			proof = append(proof, ProofStep{Hash: level[pos-1].Hash, Left: true})
		} else if pos+1 < len(level) {
			proof = append(proof, ProofStep{Hash: level[pos+1].Hash})
		}
		pos /= 2
		level = next
	}
	return proof, nil
}

// Verify checks that leaf data combined along proof reproduces root.
func Verify(data []byte, proof []ProofStep, root string) bool {
	h := HashLeaf(data)
	for _, step := range proof {
		if step.Left {
			h = hashPair(step.Hash, h)
		} else {
			h = hashPair(h, step.Hash)
		}
	}
	return root != "" && h == root
}
