package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(items ...string) [][]byte {
	out := make([][]byte, len(items))
	for i, s := range items {
		out[i] = []byte(s)
	}
	return out
}

func hexSum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestBuildEmpty(t *testing.T) {
	idx := Build(nil)
	assert.Equal(t, "", idx.RootHash())
	assert.Equal(t, 0, idx.Len())

	var nilIdx *Index
	assert.Equal(t, "", nilIdx.RootHash())
}

func TestBuildSingleLeaf(t *testing.T) {
	idx := Build(leaves("a"))
	assert.Equal(t, hexSum("a"), idx.RootHash())
}

func TestBuildPairsAndPromotes(t *testing.T) {
	a, b, c := hexSum("a"), hexSum("b"), hexSum("c")

	two := Build(leaves("a", "b"))
	assert.Equal(t, hexSum(a+b), two.RootHash())

	// c is unpaired at the first level and promoted unchanged.
	three := Build(leaves("a", "b", "c"))
	assert.Equal(t, hexSum(hexSum(a+b)+c), three.RootHash())
}

func TestRootDependsOnOrderAndContent(t *testing.T) {
	base := Build(leaves("a", "b", "c"))
	assert.True(t, base.Equal(Build(leaves("a", "b", "c"))))
	assert.False(t, base.Equal(Build(leaves("c", "b", "a"))))
	assert.False(t, base.Equal(Build(leaves("a", "b", "x"))))
}

func TestDiffLeaves(t *testing.T) {
	a := Build(leaves("a", "b", "c"))
	b := Build(leaves("a", "x", "c", "d"))
	assert.Equal(t, []int{1, 3}, a.DiffLeaves(b))
	assert.Empty(t, a.DiffLeaves(Build(leaves("a", "b", "c"))))
}

func TestProofVerify(t *testing.T) {
	for n := 1; n <= 9; n++ {
		items := make([]string, n)
		for i := range items {
			items[i] = fmt.Sprintf("leaf-%d", i)
		}
		idx := Build(leaves(items...))

		for i := range items {
			proof, err := idx.Proof(i)
			require.NoError(t, err)
			assert.True(t, Verify([]byte(items[i]), proof, idx.RootHash()), "n=%d i=%d", n, i)
			assert.False(t, Verify([]byte("forged"), proof, idx.RootHash()), "n=%d i=%d", n, i)
		}
	}
}

func TestProofOutOfRange(t *testing.T) {
	idx := Build(leaves("a"))
	_, err := idx.Proof(1)
	assert.Error(t, err)
	_, err = idx.Proof(-1)
	assert.Error(t, err)
}
