package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/chain/types/mock"
)

func TestTipSetCanonicalOrder(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))

	b1 := mock.MkBlock(gen, 1, 1)
	b2 := mock.MkBlock(gen, 1, 2)
	b3 := mock.MkBlock(gen, 1, 3)

	ts1, err := types.NewTipSet([]*types.BlockHeader{b1, b2, b3})
	require.NoError(t, err)
	ts2, err := types.NewTipSet([]*types.BlockHeader{b3, b1, b2})
	require.NoError(t, err)

	require.True(t, ts1.Equals(ts2))
	require.Equal(t, ts1.Key(), ts2.Key())
}

func TestTipSetRejectsMismatchedEpochs(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))

	b1 := mock.MkBlock(gen, 1, 1)
	b2 := mock.MkBlockAtEpoch(gen, gen.Height()+2, 1, 2)

	_, err := types.NewTipSet([]*types.BlockHeader{b1, b2})
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrTipSetMismatchedEpochs)
	require.True(t, types.IsMalformedTipSet(err))
}

func TestTipSetRejectsMismatchedParents(t *testing.T) {
	gen1 := mock.TipSet(mock.MkBlock(nil, 0, 0))
	gen2 := mock.TipSet(mock.MkBlock(nil, 0, 7))

	b1 := mock.MkBlock(gen1, 1, 1)
	b2 := mock.MkBlock(gen2, 1, 2)

	_, err := types.NewTipSet([]*types.BlockHeader{b1, b2})
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrTipSetMismatchedParents)
}

func TestTipSetRejectsMismatchedWeights(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))

	b1 := mock.MkBlock(gen, 1, 1)
	b2 := mock.MkBlock(gen, 2, 2)

	_, err := types.NewTipSet([]*types.BlockHeader{b1, b2})
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrTipSetMismatchedWeights)
}

func TestTipSetRejectsDuplicates(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	b1 := mock.MkBlock(gen, 1, 1)

	_, err := types.NewTipSet([]*types.BlockHeader{b1, b1})
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrTipSetDuplicateBlock)
}

func TestTipSetRejectsEmpty(t *testing.T) {
	_, err := types.NewTipSet(nil)
	require.ErrorIs(t, err, types.ErrTipSetEmpty)
}

func TestTipSetKeyRoundtrip(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	ts := mock.TipSet(mock.MkBlock(gen, 1, 1), mock.MkBlock(gen, 1, 2))

	k := ts.Key()
	k2, err := types.TipSetKeyFromBytes(k.Bytes())
	require.NoError(t, err)
	require.Equal(t, k, k2)
	require.Equal(t, ts.Cids(), k2.Cids())

	_, err = types.TipSetKeyFromBytes([]byte("not a key"))
	require.Error(t, err)

	require.True(t, types.EmptyTSK.IsEmpty())
	require.False(t, k.IsEmpty())
}

func TestBlockHeaderSerializationRoundtrip(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	b := mock.MkBlock(gen, 1, 1)

	data, err := b.Serialize()
	require.NoError(t, err)

	b2, err := types.DecodeBlock(data)
	require.NoError(t, err)
	require.Equal(t, b.Cid(), b2.Cid())
	require.Equal(t, b.Height, b2.Height)
	require.Equal(t, b.Parents, b2.Parents)
	require.True(t, b.ParentWeight.Equals(b2.ParentWeight))
}

func TestIsChildOf(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	a := mock.TipSet(mock.MkBlock(gen, 1, 1))
	skip := mock.TipSet(mock.MkBlockAtEpoch(a, a.Height()+5, 1, 2))

	require.True(t, a.IsChildOf(gen))
	require.True(t, skip.IsChildOf(a))
	require.False(t, a.IsChildOf(skip))
	require.False(t, gen.IsChildOf(a))
}
