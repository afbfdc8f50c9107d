package merkle

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leavesN(n int) []common.Hash {
	out := make([]common.Hash, n)
	for i := range out {
		out[i] = crypto.Keccak256Hash([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return out
}

func TestBuildEmpty(t *testing.T) {
	_, err := Build(nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestBuildSingleLeaf(t *testing.T) {
	leaves := leavesN(1)
	tree, err := Build(leaves)
	require.NoError(t, err)

	assert.Equal(t, leaves[0], tree.Root())
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, Verify(leaves[0], proof, tree.Root()))
}

func TestHashPairIsOrderIndependent(t *testing.T) {
	l := leavesN(2)
	assert.Equal(t, HashPair(l[0], l[1]), HashPair(l[1], l[0]))

	lo, hi := l[0], l[1]
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}
	assert.Equal(t, crypto.Keccak256Hash(append(lo.Bytes(), hi.Bytes()...)), HashPair(l[0], l[1]))
}

func TestOddNodeIsPromoted(t *testing.T) {
	l := leavesN(3)
	tree, err := Build(l)
	require.NoError(t, err)

	want := HashPair(HashPair(l[0], l[1]), l[2])
	assert.Equal(t, want, tree.Root())

	proof, err := tree.Proof(2)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{HashPair(l[0], l[1])}, proof)
}

func TestProofsVerifyForAllSizes(t *testing.T) {
	for n := 1; n <= 17; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			leaves := leavesN(n)
			tree, err := Build(leaves)
			require.NoError(t, err)
			require.Equal(t, n, tree.Len())

			for i := range leaves {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				assert.True(t, Verify(leaves[i], proof, tree.Root()), "leaf %d", i)

				var wrong common.Hash
				copy(wrong[:], leaves[i][:])
				wrong[0] ^= 0x01
				assert.False(t, Verify(wrong, proof, tree.Root()), "mutated leaf %d", i)
			}
		})
	}
}

func TestBuildIsReproducible(t *testing.T) {
	leaves := leavesN(6)
	a, err := Build(leaves)
	require.NoError(t, err)
	b, err := Build(leaves)
	require.NoError(t, err)

	assert.Equal(t, a.Root(), b.Root())
	for i := range leaves {
		pa, _ := a.Proof(i)
		pb, _ := b.Proof(i)
		assert.Equal(t, pa, pb)
	}
}

func TestBuildDoesNotAliasInput(t *testing.T) {
	leaves := leavesN(2)
	tree, err := Build(leaves)
	require.NoError(t, err)
	root := tree.Root()

	leaves[0] = common.Hash{}
	assert.Equal(t, root, tree.Root())
	assert.NotEqual(t, common.Hash{}, tree.Leaf(0))
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree, err := Build(leavesN(2))
	require.NoError(t, err)

	_, err = tree.Proof(2)
	require.Error(t, err)
	_, err = tree.Proof(-1)
	require.Error(t, err)
}
