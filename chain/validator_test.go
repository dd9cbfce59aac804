package chain

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/stretchr/testify/require"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/badblock"
	"github.com/strandproject/strand/chain/consensus"
	"github.com/strandproject/strand/chain/graph"
	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/chain/types/mock"
)

// stubStateManager returns fixed roots, matching the placeholder roots the
// mock headers claim.
type stubStateManager struct {
	stateRoot    cid.Cid
	receiptsRoot cid.Cid
}

func (s *stubStateManager) TipSetState(ctx context.Context, ts *types.TipSet) (cid.Cid, cid.Cid, error) {
	return s.stateRoot, s.receiptsRoot, nil
}

type validatorHarness struct {
	cs  *store.ChainStore
	g   *graph.Graph
	bad *badblock.Cache
	tv  *TipsetValidator

	genesis *types.TipSet
}

func newValidatorHarness(t *testing.T) *validatorHarness {
	t.Helper()
	ctx := context.Background()

	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	cs := store.NewChainStore(blockstore.NewBlockstore(ds), ds)

	genesis := mock.TipSet(mock.MkBlock(nil, 0, 0))
	require.NoError(t, cs.SetGenesis(ctx, genesis.Blocks()[0]))

	emptyMeta := &types.MsgMeta{}
	_, err := cs.PutMessage(ctx, emptyMeta)
	require.NoError(t, err)

	bad := badblock.NewCache()
	g := graph.NewGraph(ctx, cs, bad)
	require.NoError(t, g.SetAnchor(ctx, genesis))

	sm := &stubStateManager{
		stateRoot:    genesis.Blocks()[0].ParentStateRoot,
		receiptsRoot: genesis.Blocks()[0].ParentMessageReceipts,
	}

	tv := NewTipsetValidator(cs, g, bad, sm, consensus.NewTicketVerifier(genesis), genesis)

	return &validatorHarness{
		cs:      cs,
		g:       g,
		bad:     bad,
		tv:      tv,
		genesis: genesis,
	}
}

func fullTs(blks ...*types.BlockHeader) *types.FullTipSet {
	var fblks []*types.FullBlock
	for _, b := range blks {
		fblks = append(fblks, &types.FullBlock{Header: b})
	}
	return &types.FullTipSet{Blocks: fblks}
}

func TestValidateTipSetOk(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	blk := mock.MkBlock(h.genesis, 0, 1)
	require.NoError(t, h.cs.PersistBlockHeaders(ctx, blk))

	require.NoError(t, h.tv.ValidateTipSet(ctx, fullTs(blk), Strict))
}

func TestValidateGenesisIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	require.NoError(t, h.tv.ValidateTipSet(ctx, fullTs(h.genesis.Blocks()...), Strict))
}

func TestValidateRejectsFutureBlock(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	blk := mock.MkBlock(h.genesis, 0, 1)
	blk.Timestamp = uint64(build.Clock.Now().Unix()) + build.AllowableClockDriftSecs + 60

	err := h.tv.ValidateTipSet(ctx, fullTs(blk), Strict)
	require.ErrorIs(t, err, ErrTemporal)

	// temporal failures never poison the registry
	_, has := h.bad.Has(blk.Cid())
	require.False(t, has)
}

func TestValidateRejectsEarlyTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	blk := mock.MkBlock(h.genesis, 0, 1)
	blk.Timestamp = h.genesis.MinTimestamp() // missing the block delay

	err := h.tv.ValidateTipSet(ctx, fullTs(blk), Strict)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too soon")
}

func TestValidateRejectsBadParentLink(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	parent := mock.MkBlock(h.genesis, 0, 1)
	require.NoError(t, h.cs.PersistBlockHeaders(ctx, parent))
	pts := mock.TipSet(parent)

	h.bad.Add(parent.Cid(), badblock.NewReason("invalid state root"))

	child := mock.MkBlock(pts, 0, 2)
	err := h.tv.ValidateTipSet(ctx, fullTs(child), Strict)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad parent")
}

func TestValidateStateMismatch(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	blk := mock.MkBlock(h.genesis, 0, 1)
	c, err := cid.Decode("bafy2bzacebp3shtrn43k7g3unredz7fxn4gj533d3o43tqn2p2ipxxhrvchve")
	require.NoError(t, err)
	blk.ParentStateRoot = c

	err = h.tv.ValidateTipSet(ctx, fullTs(blk), Strict)
	require.Error(t, err)
	require.Contains(t, err.Error(), "state root")

	// strict validation marks the block bad
	_, has := h.bad.Has(blk.Cid())
	require.True(t, has)
}

func TestForgivingDoesNotMarkBad(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	blk := mock.MkBlock(h.genesis, 0, 1)
	c, err := cid.Decode("bafy2bzacebp3shtrn43k7g3unredz7fxn4gj533d3o43tqn2p2ipxxhrvchve")
	require.NoError(t, err)
	blk.ParentStateRoot = c

	err = h.tv.ValidateTipSet(ctx, fullTs(blk), Forgiving)
	require.Error(t, err)

	_, has := h.bad.Has(blk.Cid())
	require.False(t, has)
}

func TestValidateRejectsReusedTicket(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	// same ticket nonce as the genesis block
	blk := mock.MkBlock(h.genesis, 0, 0)

	err := h.tv.ValidateTipSet(ctx, fullTs(blk), Strict)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ticket")
}

func TestValidateMessageMismatch(t *testing.T) {
	ctx := context.Background()
	h := newValidatorHarness(t)

	blk := mock.MkBlock(h.genesis, 0, 1)
	fblk := &types.FullBlock{
		Header: blk,
		// header commits to no messages, but one is included
		BlsMessages: []*types.Message{mock.UnsignedMessage(mock.Address(1), mock.Address(2), 0)},
	}

	err := h.tv.ValidateTipSet(ctx, &types.FullTipSet{Blocks: []*types.FullBlock{fblk}}, Strict)
	require.Error(t, err)
	require.Contains(t, err.Error(), "message")
}
