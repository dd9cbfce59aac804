package store_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	datastore "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/require"

	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/chain/types/mock"
)

func newTestStore() *store.ChainStore {
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	bs := blockstore.NewBlockstore(ds)
	return store.NewChainStore(bs, ds)
}

func TestPersistAndLoadTipSet(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore()

	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	ts := mock.TipSet(mock.MkBlock(gen, 1, 1), mock.MkBlock(gen, 1, 2))

	require.NoError(t, cs.PersistBlockHeaders(ctx, ts.Blocks()...))

	loaded, err := cs.LoadTipSet(ctx, ts.Key())
	require.NoError(t, err)
	require.True(t, ts.Equals(loaded))

	has, err := cs.Contains(ctx, ts.Key())
	require.NoError(t, err)
	require.True(t, has)

	has, err = cs.Contains(ctx, gen.Key())
	require.NoError(t, err)
	require.False(t, has)
}

func TestLoadTipSetMissing(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore()

	ts := mock.TipSet(mock.MkBlock(nil, 0, 0))

	_, err := cs.LoadTipSet(ctx, ts.Key())
	require.Error(t, err)
}

func TestGenesisRoundtrip(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore()

	_, err := cs.GetGenesis(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	gen := mock.MkBlock(nil, 0, 0)
	require.NoError(t, cs.SetGenesis(ctx, gen))

	got, err := cs.GetGenesis(ctx)
	require.NoError(t, err)
	require.Equal(t, gen.Cid(), got.Cid())
}

func TestHeadRoundtrip(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore()

	_, err := cs.LoadHead(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	ts := mock.TipSet(mock.MkBlock(nil, 0, 0))
	require.NoError(t, cs.PersistBlockHeaders(ctx, ts.Blocks()...))
	require.NoError(t, cs.WriteHead(ctx, ts.Key()))

	head, err := cs.LoadHead(ctx)
	require.NoError(t, err)
	require.True(t, ts.Equals(head))
}

func TestMessagesForBlock(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore()

	from := mock.Address(1000)
	to := mock.Address(1001)

	bmsg := mock.UnsignedMessage(from, to, 0)
	smsg := mock.SignedMessage(from, to, 1)

	require.NoError(t, cs.StoreMessages(ctx, []*types.Message{bmsg}, []*types.SignedMessage{smsg}))

	mmc, err := cs.ComputeMsgMeta(ctx, []cid.Cid{bmsg.Cid()}, []cid.Cid{smsg.Cid()})
	require.NoError(t, err)

	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	blk := mock.MkBlock(gen, 1, 1)
	blk.Messages = mmc

	bmsgs, smsgs, err := cs.MessagesForBlock(ctx, blk)
	require.NoError(t, err)
	require.Len(t, bmsgs, 1)
	require.Len(t, smsgs, 1)
	require.Equal(t, bmsg.Cid(), bmsgs[0].Cid())
	require.Equal(t, smsg.Cid(), smsgs[0].Cid())
}

func TestTryFillTipSet(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore()

	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))

	// message meta not stored yet
	fts, err := cs.TryFillTipSet(ctx, gen)
	require.NoError(t, err)
	require.Nil(t, fts)

	_, err = cs.ComputeMsgMeta(ctx, nil, nil)
	require.NoError(t, err)

	fts, err = cs.TryFillTipSet(ctx, gen)
	require.NoError(t, err)
	require.NotNil(t, fts)
	require.True(t, gen.Equals(fts.TipSet()))
}
