// Package merkle builds sorted-pair keccak256 Merkle trees over record leaves
// and writes the per-batch root and proof artifacts.
//
// At every hashing step the two children are ordered by byte value before
// concatenation, so a proof is a plain list of sibling hashes with no
// left/right flags. An odd node at the end of a layer is promoted unchanged.
// Verifiers must apply exactly this rule.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrEmptyBatch is returned when a tree is requested over zero leaves.
var ErrEmptyBatch = errors.New("merkle: empty batch")

// Tree holds every layer, leaves first, so proofs can be read without rehashing.
type Tree struct {
	layers [][]common.Hash
}

// Build constructs a tree over leaves in the given order. Leaves are used as
// given; they are not hashed again.
func Build(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyBatch
	}

	layer := make([]common.Hash, len(leaves))
	copy(layer, leaves)
	layers := [][]common.Hash{layer}

	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			next = append(next, HashPair(layer[i], layer[i+1]))
		}
		layer = next
		layers = append(layers, layer)
	}

	return &Tree{layers: layers}, nil
}

// HashPair combines two nodes with the sorted-pair rule.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Root returns the tree root. For a single leaf the root is the leaf.
func (t *Tree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.layers[0])
}

// Leaf returns the leaf at index i.
func (t *Tree) Leaf(i int) common.Hash {
	return t.layers[0][i]
}

// Proof returns the sibling path from leaf i to the root. Levels where the
// node was promoted without a sibling contribute nothing.
func (t *Tree) Proof(i int) ([]common.Hash, error) {
	if i < 0 || i >= t.Len() {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", i, t.Len())
	}

	proof := make([]common.Hash, 0, len(t.layers)-1)
	idx := i
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := idx ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from leaf and proof with the sorted-pair rule.
func Verify(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	h := leaf
	for _, sibling := range proof {
		h = HashPair(h, sibling)
	}
	return h == root
}
