package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dstack-labs/pbftcore/crypto"
)

func TestAddVoteStabilizesAtQuorum(t *testing.T) {
	c := NewCollector(3)
	digest := crypto.Hash([]byte("state-100"))

	_, ok := c.AddVote(100, 0, digest, []byte("v0"))
	require.False(t, ok)
	_, ok = c.AddVote(100, 1, digest, []byte("v1"))
	require.False(t, ok)

	stable, ok := c.AddVote(100, 2, digest, []byte("v2"))
	require.True(t, ok)
	require.Equal(t, uint64(100), stable.Seqno)
	require.Len(t, stable.Proof, 3)
}

func TestAddVoteIgnoresConflictingDigests(t *testing.T) {
	c := NewCollector(3)
	d1 := crypto.Hash([]byte("a"))
	d2 := crypto.Hash([]byte("b"))

	_, ok := c.AddVote(1, 0, d1, nil)
	require.False(t, ok)
	_, ok = c.AddVote(1, 1, d2, nil)
	require.False(t, ok)
	_, ok = c.AddVote(1, 2, d1, nil)
	require.False(t, ok) // only 2 votes for d1, still short of quorum 3
}

func TestAddVoteIgnoresObsoleteSeqno(t *testing.T) {
	c := NewCollector(1)
	digest := crypto.Hash([]byte("s"))

	_, ok := c.AddVote(10, 0, digest, nil)
	require.True(t, ok)

	_, ok = c.AddVote(5, 1, digest, nil)
	require.False(t, ok)

	stable, _ := c.Stable()
	require.Equal(t, uint64(10), stable.Seqno)
}

func TestStableBeforeAnyVoteIsFalse(t *testing.T) {
	c := NewCollector(3)
	_, ok := c.Stable()
	require.False(t, ok)
}
