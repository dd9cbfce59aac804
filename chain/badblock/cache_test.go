package badblock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strandproject/strand/chain/badblock"
	"github.com/strandproject/strand/chain/types/mock"
)

func TestCacheAddHas(t *testing.T) {
	bc := badblock.NewCache()

	blk := mock.MkBlock(nil, 0, 0)
	c := blk.Cid()

	_, ok := bc.Has(c)
	require.False(t, ok)

	bc.Add(c, badblock.NewReason("failed validation: %s", "boom"))

	reason, ok := bc.Has(c)
	require.True(t, ok)
	require.Contains(t, reason.String(), "boom")
}

func TestReasonLinked(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	child := mock.MkBlock(gen, 1, 1)

	root := badblock.NewReason("invalid state root")
	root.TipSet = gen.Key()

	linked := root.Linked("linked to %s", gen.Key().Cids()[0])

	require.Equal(t, gen.Key().Cids()[0], linked.OriginalCID)
	require.Contains(t, linked.String(), "check block")

	// a reason linked twice keeps pointing at the original offender
	again := linked.Linked("linked to %s", child.Cid())
	require.Equal(t, gen.Key().Cids()[0], again.OriginalCID)
}

func TestCacheRemovePurge(t *testing.T) {
	bc := badblock.NewCache()

	c := mock.MkBlock(nil, 0, 1).Cid()
	bc.Add(c, badblock.NewReason("bad"))

	bc.Remove(c)
	_, ok := bc.Has(c)
	require.False(t, ok)

	bc.Add(c, badblock.NewReason("bad"))
	bc.Purge()
	_, ok = bc.Has(c)
	require.False(t, ok)
}
