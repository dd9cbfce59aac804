package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/chain/types/mock"
)

func TestBlockHeaderRoundTrip(t *testing.T) {
	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	blk := mock.MkBlock(gen, 3, 1)
	blk.ForkSignaling = 2

	data, err := blk.Serialize()
	require.NoError(t, err)

	out, err := types.DecodeBlock(data)
	require.NoError(t, err)

	// the integer fields must survive the trip through the codec
	require.Equal(t, blk.Height, out.Height)
	require.Equal(t, blk.Timestamp, out.Timestamp)
	require.Equal(t, blk.ForkSignaling, out.ForkSignaling)
	require.True(t, blk.ParentWeight.Equals(out.ParentWeight))
	require.Equal(t, blk.Parents, out.Parents)
	require.Equal(t, blk.Cid(), out.Cid())
}

func TestMessageRoundTrip(t *testing.T) {
	msg := mock.UnsignedMessage(mock.Address(1), mock.Address(2), 42)

	data, err := msg.Serialize()
	require.NoError(t, err)

	out, err := types.DecodeMessage(data)
	require.NoError(t, err)

	require.Equal(t, msg.Nonce, out.Nonce)
	require.Equal(t, msg.GasLimit, out.GasLimit)
	require.Equal(t, msg.Method, out.Method)
	require.Equal(t, msg.Cid(), out.Cid())
}
