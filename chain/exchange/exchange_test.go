package exchange

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/chain/types/mock"
)

func newTestStore(t *testing.T) *store.ChainStore {
	t.Helper()
	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	bs := blockstore.NewBlockstore(ds)
	return store.NewChainStore(bs, ds)
}

// mkChain builds a linear chain of n+1 tipsets and returns it newest-first,
// persisted (headers and empty message meta) in the given store.
func mkChain(t *testing.T, cs *store.ChainStore, n int) []*types.TipSet {
	t.Helper()
	ctx := context.Background()

	emptyMeta := &types.MsgMeta{}
	_, err := cs.PutMessage(ctx, emptyMeta)
	require.NoError(t, err)

	cur := mock.TipSet(mock.MkBlock(nil, 0, 0))
	chain := []*types.TipSet{cur}
	for i := 0; i < n; i++ {
		cur = mock.TipSet(mock.MkBlock(cur, 0, uint64(i+1)))
		chain = append(chain, cur)
	}

	for _, ts := range chain {
		require.NoError(t, cs.PersistBlockHeaders(ctx, ts.Blocks()...))
	}

	// reverse to newest-first, the order the protocol speaks
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func chainToResponse(chain []*types.TipSet, includeMessages bool) *Response {
	bstips := make([]*BSTipSet, len(chain))
	for i, ts := range chain {
		bstips[i] = &BSTipSet{Blocks: ts.Blocks()}
		if includeMessages {
			bstips[i].Messages = &CompactedMessages{
				BlsIncludes:   make([][]uint64, ts.Len()),
				SecpkIncludes: make([][]uint64, ts.Len()),
			}
		}
	}
	return &Response{Status: Ok, Chain: bstips}
}

func TestValidateRequest(t *testing.T) {
	head := mock.TipSet(mock.MkBlock(nil, 0, 0))

	cases := []struct {
		name   string
		req    Request
		status status
	}{
		{"no options", Request{Head: head.Cids(), Length: 1}, BadRequest},
		{"zero length", Request{Head: head.Cids(), Length: 0, Options: Headers}, BadRequest},
		{"no head", Request{Length: 1, Options: Headers}, BadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			valid, errRes := validateRequest(context.Background(), &tc.req)
			require.Nil(t, valid)
			require.NotNil(t, errRes)
			require.Equal(t, tc.status, errRes.Status)
		})
	}

	valid, errRes := validateRequest(context.Background(), &Request{
		Head:    head.Cids(),
		Length:  10,
		Options: Headers | Messages,
	})
	require.Nil(t, errRes)
	require.NotNil(t, valid)
	require.Equal(t, head.Key(), valid.head)
	require.True(t, valid.options.IncludeHeaders)
	require.True(t, valid.options.IncludeMessages)

	// oversize requests are clamped, not rejected
	valid, errRes = validateRequest(context.Background(), &Request{
		Head:    head.Cids(),
		Length:  MaxRequestLength + 1,
		Options: Headers,
	})
	require.Nil(t, errRes)
	require.Equal(t, MaxRequestLength, valid.length)
}

func TestProcessResponseHeaders(t *testing.T) {
	cs := newTestStore(t)
	chain := mkChain(t, cs, 4)

	c := &client{peerTracker: newPeerTracker()}
	req := &Request{
		Head:    chain[0].Cids(),
		Length:  uint64(len(chain)),
		Options: Headers,
	}

	validRes, err := c.processResponse(req, chainToResponse(chain, false), nil)
	require.NoError(t, err)
	require.Len(t, validRes.tipsets, len(chain))
	for i, ts := range chain {
		require.True(t, ts.Equals(validRes.tipsets[i]))
	}
}

func TestProcessResponseWrongHead(t *testing.T) {
	cs := newTestStore(t)
	chain := mkChain(t, cs, 2)

	c := &client{peerTracker: newPeerTracker()}
	req := &Request{
		// ask for the parent, get a response anchored at the child
		Head:    chain[1].Cids(),
		Length:  2,
		Options: Headers,
	}

	_, err := c.processResponse(req, chainToResponse(chain[:2], false), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "head")
}

func TestProcessResponseDisconnectedChain(t *testing.T) {
	cs := newTestStore(t)
	chain := mkChain(t, cs, 4)

	// drop a tipset from the middle, breaking the parent links
	broken := []*types.TipSet{chain[0], chain[2], chain[3]}

	c := &client{peerTracker: newPeerTracker()}
	req := &Request{
		Head:    chain[0].Cids(),
		Length:  uint64(len(broken)),
		Options: Headers,
	}

	_, err := c.processResponse(req, chainToResponse(broken, false), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not connected")
}

func TestProcessResponseShortWithoutPartial(t *testing.T) {
	cs := newTestStore(t)
	chain := mkChain(t, cs, 4)

	c := &client{peerTracker: newPeerTracker()}
	req := &Request{
		Head:    chain[0].Cids(),
		Length:  uint64(len(chain)) + 5,
		Options: Headers,
	}

	res := chainToResponse(chain, false)
	_, err := c.processResponse(req, res, nil)
	require.Error(t, err)

	res.Status = Partial
	validRes, err := c.processResponse(req, res, nil)
	require.NoError(t, err)
	require.Len(t, validRes.tipsets, len(chain))
}

func TestProcessResponseBadIncludes(t *testing.T) {
	cs := newTestStore(t)
	chain := mkChain(t, cs, 1)

	c := &client{peerTracker: newPeerTracker()}
	req := &Request{
		Head:    chain[0].Cids(),
		Length:  uint64(len(chain)),
		Options: Headers | Messages,
	}

	res := chainToResponse(chain, true)
	// index into an empty message list
	res.Chain[0].Messages.BlsIncludes[0] = []uint64{0}

	_, err := c.processResponse(req, res, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "BlsIncludes")
}

func TestProcessResponseErrorStatus(t *testing.T) {
	c := &client{peerTracker: newPeerTracker()}
	req := &Request{Length: 1, Options: Headers}

	for _, st := range []status{NotFound, GoAway, InternalError, BadRequest} {
		_, err := c.processResponse(req, &Response{Status: st}, nil)
		require.Error(t, err)
	}
}

func TestServerServesHeaders(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore(t)
	chain := mkChain(t, cs, 9)

	srv := &server{cs: cs}

	res, err := srv.processRequest(ctx, &Request{
		Head:    chain[0].Cids(),
		Length:  5,
		Options: Headers,
	})
	require.NoError(t, err)
	require.Equal(t, Ok, res.Status)
	require.Len(t, res.Chain, 5)

	for i, bst := range res.Chain {
		require.True(t, chain[i].Equals(mock.TipSet(bst.Blocks...)))
		require.Nil(t, bst.Messages)
	}
}

func TestServerPartialAtGenesis(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore(t)
	chain := mkChain(t, cs, 2)

	srv := &server{cs: cs}

	res, err := srv.processRequest(ctx, &Request{
		Head:    chain[0].Cids(),
		Length:  10,
		Options: Headers,
	})
	require.NoError(t, err)
	require.Equal(t, Partial, res.Status)
	require.Len(t, res.Chain, len(chain))
}

func TestServerRejectsBadRequest(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore(t)

	srv := &server{cs: cs}

	res, err := srv.processRequest(ctx, &Request{Length: 1})
	require.NoError(t, err)
	require.Equal(t, BadRequest, res.Status)
}

func TestServerGathersMessages(t *testing.T) {
	ctx := context.Background()
	cs := newTestStore(t)

	from := mock.Address(100)
	to := mock.Address(101)

	bmsg := mock.UnsignedMessage(from, to, 1)
	smsg := mock.SignedMessage(from, to, 2)
	require.NoError(t, cs.StoreMessages(ctx, []*types.Message{bmsg}, []*types.SignedMessage{smsg}))

	meta, err := cs.ComputeMsgMeta(ctx, []cid.Cid{bmsg.Cid()}, []cid.Cid{smsg.Cid()})
	require.NoError(t, err)

	gen := mock.TipSet(mock.MkBlock(nil, 0, 0))
	blk := mock.MkBlock(gen, 0, 1)
	blk.Messages = meta
	ts := mock.TipSet(blk)

	require.NoError(t, cs.PersistBlockHeaders(ctx, append(gen.Blocks(), blk)...))

	srv := &server{cs: cs}
	res, err := srv.processRequest(ctx, &Request{
		Head:    ts.Cids(),
		Length:  1,
		Options: Headers | Messages,
	})
	require.NoError(t, err)
	require.Equal(t, Ok, res.Status)
	require.Len(t, res.Chain, 1)

	msgs := res.Chain[0].Messages
	require.NotNil(t, msgs)
	require.Len(t, msgs.Bls, 1)
	require.Len(t, msgs.Secpk, 1)
	require.Equal(t, bmsg.Cid(), msgs.Bls[0].Cid())
	require.Equal(t, smsg.Cid(), msgs.Secpk[0].Cid())
	require.Equal(t, [][]uint64{{0}}, msgs.BlsIncludes)
	require.Equal(t, [][]uint64{{0}}, msgs.SecpkIncludes)

	// round trip: a server response anchored at our own chain must pass
	// client validation and reassemble into a full tipset
	c := &client{peerTracker: newPeerTracker()}
	validRes, err := c.processResponse(&Request{
		Head:    ts.Cids(),
		Length:  1,
		Options: Headers | Messages,
	}, res, nil)
	require.NoError(t, err)

	fts := validRes.toFullTipSets()
	require.Len(t, fts, 1)
	require.Len(t, fts[0].Blocks, 1)
	require.Len(t, fts[0].Blocks[0].BlsMessages, 1)
	require.Len(t, fts[0].Blocks[0].SecpkMessages, 1)
}

func TestPeerTrackerPreference(t *testing.T) {
	pt := newPeerTracker()

	fast := peer.ID("fast")
	slow := peer.ID("slow")

	pt.addPeer(fast)
	pt.addPeer(slow)

	for i := 0; i < 10; i++ {
		pt.logSuccess(fast, 10, 1)
		pt.logSuccess(slow, 10000, 1)
	}

	sorted := pt.prefSortedPeers()
	require.Equal(t, fast, sorted[0])

	pt.removePeer(fast)
	sorted = pt.prefSortedPeers()
	require.Len(t, sorted, 1)
	require.Equal(t, slow, sorted[0])
}
