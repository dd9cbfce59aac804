package graph_test

import (
	"context"
	"testing"
	"time"

	datastore "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/require"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/badblock"
	"github.com/strandproject/strand/chain/graph"
	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/chain/types/mock"
)

func newTestGraph(t *testing.T) (*graph.Graph, *store.ChainStore, *badblock.Cache, *types.TipSet) {
	ctx := context.Background()

	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	cs := store.NewChainStore(blockstore.NewBlockstore(ds), ds)
	bad := badblock.NewCache()
	g := graph.NewGraph(ctx, cs, bad)

	genb := mock.MkBlock(nil, 0, 0)
	require.NoError(t, cs.SetGenesis(ctx, genb))
	gen := mock.TipSet(genb)
	require.NoError(t, g.SetAnchor(ctx, gen))

	return g, cs, bad, gen
}

func insertTs(t *testing.T, g *graph.Graph, cs *store.ChainStore, ts *types.TipSet) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, cs.PersistBlockHeaders(ctx, ts.Blocks()...))
	require.NoError(t, g.InsertValidated(ctx, ts, graph.Weight(ts)))
}

func TestHeadFollowsWeight(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)

	a := mock.TipSet(mock.MkBlock(gen, 1, 1))
	b := mock.TipSet(mock.MkBlock(a, 1, 2))

	insertTs(t, g, cs, a)
	require.True(t, g.Head().Equals(a))

	insertTs(t, g, cs, b)
	require.True(t, g.Head().Equals(b))
}

func TestHeadDeterministicTieBreak(t *testing.T) {
	// same two tipsets inserted in both orders; the head must be the
	// first-inserted one each time
	for _, flip := range []bool{false, true} {
		g, cs, _, gen := newTestGraph(t)

		a := mock.TipSet(mock.MkBlock(gen, 1, 1))
		b := mock.TipSet(mock.MkBlock(gen, 1, 2))
		require.True(t, graph.Weight(a).Equals(graph.Weight(b)))

		first, second := a, b
		if flip {
			first, second = b, a
		}

		insertTs(t, g, cs, first)
		insertTs(t, g, cs, second)

		require.True(t, g.Head().Equals(first), "expected first-seen tipset to win the tie")
	}
}

func TestInsertIdempotent(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)

	a := mock.TipSet(mock.MkBlock(gen, 1, 1))
	insertTs(t, g, cs, a)
	head := g.Head()

	// re-inserting must not disturb anything
	insertTs(t, g, cs, a)
	require.True(t, g.Head().Equals(head))
	require.True(t, g.Contains(a.Key()))
}

func TestHeavierForkWins(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)

	a1 := mock.TipSet(mock.MkBlock(gen, 1, 1))
	a2 := mock.TipSet(mock.MkBlock(a1, 1, 2))

	insertTs(t, g, cs, a1)
	insertTs(t, g, cs, a2)
	require.True(t, g.Head().Equals(a2))

	// heavier competing fork from genesis
	b1 := mock.TipSet(mock.MkBlock(gen, 2, 3), mock.MkBlock(gen, 2, 4))
	b2 := mock.TipSet(mock.MkBlock(b1, 2, 5), mock.MkBlock(b1, 2, 6))
	b3 := mock.TipSet(mock.MkBlock(b2, 2, 7))

	insertTs(t, g, cs, b1)
	insertTs(t, g, cs, b2)
	insertTs(t, g, cs, b3)

	require.True(t, g.Head().Equals(b3))
}

func TestOrphansAttachLater(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)

	a := mock.TipSet(mock.MkBlock(gen, 1, 1))
	b := mock.TipSet(mock.MkBlock(a, 1, 2))
	c := mock.TipSet(mock.MkBlock(b, 1, 3))

	// insert children before their parent
	insertTs(t, g, cs, b)
	insertTs(t, g, cs, c)

	// head cannot advance through unconnected tipsets
	require.True(t, g.Head().Equals(gen))
	require.True(t, g.HeaviestKnown().Equals(c))

	orphans := g.Orphans()
	require.Len(t, orphans, 1)
	require.True(t, orphans[0].Equals(b))

	roots := g.Roots()
	require.Len(t, roots, 2)
	require.True(t, roots[0].Equals(gen))
	require.True(t, roots[1].Equals(b))

	// the missing link arrives; the whole subtree attaches and the head
	// jumps to its tip
	insertTs(t, g, cs, a)
	require.True(t, g.Head().Equals(c))
	require.Empty(t, g.Orphans())
	require.Len(t, g.Roots(), 1)
}

func TestNullEpochGaps(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)

	a := mock.TipSet(mock.MkBlockAtEpoch(gen, gen.Height()+5, 1, 1))
	b := mock.TipSet(mock.MkBlockAtEpoch(a, a.Height()+3, 1, 2))

	insertTs(t, g, cs, a)
	insertTs(t, g, cs, b)

	require.True(t, g.Head().Equals(b))
	require.Empty(t, g.TipSetsAtEpoch(gen.Height()+1))
	require.Len(t, g.TipSetsAtEpoch(a.Height()), 1)
}

func TestInsertRejectsBadEpoch(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)
	ctx := context.Background()

	blk := mock.MkBlock(gen, 1, 1)
	blk.Height = gen.Height()
	ts, err := types.NewTipSet([]*types.BlockHeader{blk})
	require.NoError(t, err)

	require.NoError(t, cs.PersistBlockHeaders(ctx, ts.Blocks()...))
	err = g.InsertValidated(ctx, ts, graph.Weight(ts))
	require.ErrorIs(t, err, graph.ErrEpochNotAfterParent)
	require.False(t, g.Contains(ts.Key()))
}

func TestAttachDropsBadEpochOrphan(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)
	ctx := context.Background()

	a := mock.TipSet(mock.MkBlock(gen, 1, 1))

	// a child claiming its parent's epoch, inserted while the parent is
	// still unknown so the insert-time epoch check cannot see it
	blk := mock.MkBlock(a, 5, 2)
	blk.Height = a.Height()
	forged, err := types.NewTipSet([]*types.BlockHeader{blk})
	require.NoError(t, err)

	forgedChild := mock.TipSet(mock.MkBlock(forged, 5, 3))

	require.NoError(t, cs.PersistBlockHeaders(ctx, forged.Blocks()...))
	require.NoError(t, g.InsertValidated(ctx, forged, graph.Weight(forged)))
	insertTs(t, g, cs, forgedChild)
	require.True(t, g.Contains(forged.Key()))

	// once the parent arrives the forged subtree must be dropped, not
	// attached
	insertTs(t, g, cs, a)
	require.True(t, g.Head().Equals(a))
	require.False(t, g.Contains(forged.Key()))
	require.False(t, g.Contains(forgedChild.Key()))
	require.True(t, g.HeaviestKnown().Equals(a))
}

func TestMarkBadPoisonsDescendants(t *testing.T) {
	g, cs, bad, gen := newTestGraph(t)
	ctx := context.Background()

	a := mock.TipSet(mock.MkBlock(gen, 1, 1))
	b := mock.TipSet(mock.MkBlock(a, 1, 2))
	c := mock.TipSet(mock.MkBlock(b, 1, 3))

	good := mock.TipSet(mock.MkBlock(gen, 1, 4))

	insertTs(t, g, cs, a)
	insertTs(t, g, cs, b)
	insertTs(t, g, cs, c)
	insertTs(t, g, cs, good)

	require.True(t, g.Head().Equals(c))

	require.NoError(t, g.MarkBad(ctx, b.Key(), badblock.NewReason("invalid state root")))

	// b and c are gone, a survives
	require.True(t, g.Contains(a.Key()))
	require.False(t, g.Contains(b.Key()))
	require.False(t, g.Contains(c.Key()))

	// descendant blocks are in the registry pointing back at the cause
	_, ok := bad.Has(b.Cids()[0])
	require.True(t, ok)
	reason, ok := bad.Has(c.Cids()[0])
	require.True(t, ok)
	require.Contains(t, reason.String(), "descendant")

	// head fell back to the remaining heaviest attached tipset
	require.True(t, g.Head().Equals(a) || g.Head().Equals(good))

	// reinsertion of a poisoned tipset is refused
	err := g.InsertValidated(ctx, c, graph.Weight(c))
	require.ErrorIs(t, err, graph.ErrMarkedBad)
}

func TestSubHeadChanges(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := g.SubHeadChanges(ctx)

	cur := <-ch
	require.Len(t, cur, 1)
	require.Equal(t, graph.HCCurrent, cur[0].Type)
	require.True(t, cur[0].Val.Equals(gen))

	a := mock.TipSet(mock.MkBlock(gen, 1, 1))
	insertTs(t, g, cs, a)

	select {
	case hc := <-ch:
		require.Len(t, hc, 1)
		require.Equal(t, graph.HCApply, hc[0].Type)
		require.True(t, hc[0].Val.Equals(a))
	case <-time.After(time.Second):
		t.Fatal("expected head change")
	}
}

func TestReorgRevertApply(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a1 := mock.TipSet(mock.MkBlock(gen, 1, 1))
	insertTs(t, g, cs, a1)

	ch := g.SubHeadChanges(ctx)
	<-ch // current

	// heavier two-block fork from genesis
	b1 := mock.TipSet(mock.MkBlock(gen, 2, 2), mock.MkBlock(gen, 2, 3))
	insertTs(t, g, cs, b1)

	select {
	case hc := <-ch:
		require.Len(t, hc, 2)
		require.Equal(t, graph.HCRevert, hc[0].Type)
		require.True(t, hc[0].Val.Equals(a1))
		require.Equal(t, graph.HCApply, hc[1].Type)
		require.True(t, hc[1].Val.Equals(b1))
	case <-time.After(time.Second):
		t.Fatal("expected reorg head change")
	}
}

func TestReorgNotifee(t *testing.T) {
	g, cs, _, gen := newTestGraph(t)

	applied := make(chan *types.TipSet, 16)
	g.SubscribeHeadChanges(func(revert, apply []*types.TipSet) error {
		for _, ts := range apply {
			applied <- ts
		}
		return nil
	})

	a := mock.TipSet(mock.MkBlock(gen, 1, 1))
	insertTs(t, g, cs, a)

	select {
	case ts := <-applied:
		require.True(t, ts.Equals(a))
	case <-time.After(time.Second):
		t.Fatal("notifee was not invoked")
	}
}

func TestWeightEpochShare(t *testing.T) {
	_, _, _, gen := newTestGraph(t)

	l2 := build.TotalPowerLog2

	// a single block earns 1/BlocksPerEpoch of the half-weighted share
	require.True(t, graph.Weight(gen).Equals(types.NewInt(l2*256+l2*256/(2*build.BlocksPerEpoch))))

	var blks []*types.BlockHeader
	for i := uint64(0); i < build.BlocksPerEpoch; i++ {
		blks = append(blks, mock.MkBlock(gen, 0, i+10))
	}
	full := mock.TipSet(blks...)

	// a full tipset earns exactly half the constant share on top of it
	expect := types.BigAdd(graph.Weight(gen), types.NewInt(l2*256+l2*256/2))
	require.True(t, graph.Weight(full).Equals(expect))
}

func TestMarkBadUnknownTipSetStillRegistered(t *testing.T) {
	g, _, bad, gen := newTestGraph(t)
	ctx := context.Background()

	phantom := mock.TipSet(mock.MkBlock(gen, 9, 99))
	require.NoError(t, g.MarkBad(ctx, phantom.Key(), badblock.NewReason("reported by peer")))

	_, ok := bad.Has(phantom.Cids()[0])
	require.True(t, ok)
}
