package chain

import (
	"context"
	"sync/atomic"

	"github.com/filecoin-project/pubsub"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opencensus.io/stats"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/badblock"
	"github.com/strandproject/strand/chain/consensus"
	"github.com/strandproject/strand/chain/exchange"
	"github.com/strandproject/strand/chain/graph"
	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/metrics"
)

// LocalIncoming is the topic all locally observed blocks are published on.
var LocalIncoming = "incoming"

// MuxerState is the coarse lifecycle state of the muxer.
type MuxerState int32

const (
	// MuxIdle means the muxer has not been started yet.
	MuxIdle = MuxerState(iota)
	// MuxConnect means we are sampling peer heads and have not picked a
	// sync target yet.
	MuxConnect
	// MuxBootstrap means we are driving an initial range sync towards the
	// sampled network head.
	MuxBootstrap
	// MuxFollow means we are at (or near) the network head and feed gossip
	// into the processor as it arrives.
	MuxFollow
)

func (s MuxerState) String() string {
	switch s {
	case MuxIdle:
		return "idle"
	case MuxConnect:
		return "connect"
	case MuxBootstrap:
		return "bootstrap"
	case MuxFollow:
		return "follow"
	default:
		return "<unknown>"
	}
}

// ChainMuxer routes every source of candidate chain heads (hello protocol,
// gossip, exchange) into the tipset processor, and owns the sync lifecycle.
type ChainMuxer struct {
	store *store.ChainStore
	graph *graph.Graph
	bad   *badblock.Cache

	validator *TipsetValidator
	exchange  exchange.Client
	processor TipsetProcessor

	// The known Genesis tipset
	genesis *types.TipSet

	self    peer.ID
	connmgr connmgr.ConnManager

	incoming *pubsub.PubSub

	receiptTracker *blockReceiptTracker

	// stateless nodes process gossip but never drive sync
	stateless bool

	state        int32
	headsSampled int32
}

// MuxerOption configures a ChainMuxer.
type MuxerOption func(*ChainMuxer)

// Stateless configures the muxer to validate and relay gossip without ever
// scheduling sync work.
func Stateless() MuxerOption {
	return func(mx *ChainMuxer) {
		mx.stateless = true
	}
}

func NewChainMuxer(ctx context.Context, cs *store.ChainStore, g *graph.Graph, bad *badblock.Cache, sm StateManager, cns consensus.Verifier, exch exchange.Client, cmgr connmgr.ConnManager, self peer.ID, opts ...MuxerOption) (*ChainMuxer, error) {
	gen, err := cs.GetGenesis(ctx)
	if err != nil {
		return nil, xerrors.Errorf("getting genesis: %w", err)
	}

	gent, err := types.NewTipSet([]*types.BlockHeader{gen})
	if err != nil {
		return nil, err
	}

	mx := &ChainMuxer{
		store:   cs,
		graph:   g,
		bad:     bad,
		genesis: gent,

		exchange: exch,
		self:     self,
		connmgr:  cmgr,

		incoming:       pubsub.New(50),
		receiptTracker: newBlockReceiptTracker(),
	}

	for _, opt := range opts {
		opt(mx)
	}

	mx.validator = NewTipsetValidator(cs, g, bad, sm, cns, gent)
	mx.processor = NewTipsetProcessor(mx.doSync)

	return mx, nil
}

func (mx *ChainMuxer) Start() {
	if mx.stateless {
		// nothing to bootstrap, gossip relay only
		mx.setState(MuxFollow)
		return
	}
	mx.setState(MuxConnect)
	mx.processor.Start()
}

func (mx *ChainMuxer) Stop() {
	mx.processor.Stop()
	mx.setState(MuxIdle)
}

func (mx *ChainMuxer) State() MuxerState {
	return MuxerState(atomic.LoadInt32(&mx.state))
}

func (mx *ChainMuxer) setState(s MuxerState) {
	atomic.StoreInt32(&mx.state, int32(s))
}

// Validator exposes the tipset validator for the network front ends.
func (mx *ChainMuxer) Validator() *TipsetValidator {
	return mx.validator
}

// SyncState retrieves the state of the underlying sync workers.
func (mx *ChainMuxer) SyncState() []SyncerStateSnapshot {
	return mx.processor.State()
}

// InformNewHead informs the muxer about a new potential chain head. This
// is called when connecting to new peers (via hello) and when receiving
// new blocks from the network.
func (mx *ChainMuxer) InformNewHead(from peer.ID, fts *types.FullTipSet) bool {
	ctx := context.Background()
	if fts == nil {
		log.Errorf("got nil tipset in InformNewHead")
		return false
	}

	ts := fts.TipSet()

	for _, b := range fts.Blocks {
		if reason, has := mx.bad.Has(b.Cid()); has {
			log.Warnf("bad block in incoming tipset (%s): %s", b.Cid(), reason)
			return false
		}

		if err := mx.ValidateMsgMeta(ctx, b); err != nil {
			log.Warnf("invalid block received: %s", err)
			return false
		}
	}

	mx.incoming.Pub(ts.Blocks(), LocalIncoming)

	if from == mx.self {
		log.Debug("got block from ourselves")

		if mx.stateless {
			return true
		}

		mx.processor.SetPeerHead(ctx, from, ts)
		return true
	}

	if err := mx.store.PersistBlockHeaders(ctx, ts.Blocks()...); err != nil {
		log.Warn("failed to persist incoming block header: ", err)
		return false
	}

	mx.exchange.AddPeer(from)

	if mx.stateless {
		// gossip is relayed but never drives sync
		return true
	}

	head := mx.graph.Head()
	if head != nil {
		// drop tipsets that are not better than our current chain
		if ts.ParentWeight().LessThan(head.ParentWeight()) {
			log.Debugf("incoming tipset from %s is lighter than our head, ignoring", from)
			return false
		}

		// drop gossip from the deep past outright
		if head.Height() > build.GossipStalenessEpochs && ts.Height() < head.Height()-build.GossipStalenessEpochs {
			log.Warnf("incoming tipset at epoch %d is older than the staleness cutoff, ignoring", ts.Height())
			return false
		}

		mx.evaluateNetworkHead(ts)
	}

	mx.receiptTracker.Add(from, ts)
	mx.processor.SetPeerHead(ctx, from, ts)
	return true
}

// InformNewBlock informs the muxer about a single new block. Other blocks
// of the same tipset may arrive separately and converge in the processor's
// tipset groups.
func (mx *ChainMuxer) InformNewBlock(from peer.ID, blk *types.FullBlock) bool {
	fts := &types.FullTipSet{Blocks: []*types.FullBlock{blk}}
	return mx.InformNewHead(from, fts)
}

// evaluateNetworkHead transitions between bootstrap and follow based on how
// far the incoming head is from ours.
func (mx *ChainMuxer) evaluateNetworkHead(ts *types.TipSet) {
	head := mx.graph.Head()

	switch {
	case ts.Height() > head.Height()+build.Finality:
		// we are far behind the network, a full range sync is needed
		if mx.State() == MuxFollow {
			log.Warnf("fell behind the network by more than the finality window (%d < %d), re-entering bootstrap", head.Height(), ts.Height())
		}
		mx.setState(MuxBootstrap)
	case mx.State() == MuxConnect && atomic.AddInt32(&mx.headsSampled, 1) < int32(build.TipSetSampleSize):
		// keep sampling gossip heads before committing to a sync mode
	case mx.State() == MuxConnect || mx.State() == MuxBootstrap:
		if ts.Height() <= head.Height()+build.DefaultRequestWindow {
			mx.setState(MuxFollow)
		} else {
			mx.setState(MuxBootstrap)
		}
	}
}

// IncomingBlocks streams every block header observed on the network, in no
// particular order and without validation guarantees beyond message meta.
func (mx *ChainMuxer) IncomingBlocks(ctx context.Context) (<-chan *types.BlockHeader, error) {
	sub := mx.incoming.Sub(LocalIncoming)
	out := make(chan *types.BlockHeader, 10)

	go func() {
		defer mx.incoming.Unsub(sub, LocalIncoming)

		for {
			select {
			case r := <-sub:
				hs := r.([]*types.BlockHeader)
				for _, h := range hs {
					select {
					case out <- h:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// ValidateMsgMeta recomputes the message commitment over the block's
// included messages and checks it against the header. The messages are
// persisted as a side effect.
func (mx *ChainMuxer) ValidateMsgMeta(ctx context.Context, fblk *types.FullBlock) error {
	if msgc := len(fblk.BlsMessages) + len(fblk.SecpkMessages); msgc > build.BlockMessageLimit {
		return xerrors.Errorf("block %s has too many messages (%d)", fblk.Header.Cid(), msgc)
	}

	var bcids, scids []cid.Cid
	for _, m := range fblk.BlsMessages {
		bcids = append(bcids, m.Cid())
	}
	for _, m := range fblk.SecpkMessages {
		scids = append(scids, m.Cid())
	}

	mrcid, err := mx.store.ComputeMsgMeta(ctx, bcids, scids)
	if err != nil {
		return xerrors.Errorf("validating msgmeta, compute failed: %w", err)
	}

	if fblk.Header.Messages != mrcid {
		return xerrors.Errorf("messages in full block did not match msgmeta root in header (%s != %s)", fblk.Header.Messages, mrcid)
	}

	if err := mx.store.StoreMessages(ctx, fblk.BlsMessages, fblk.SecpkMessages); err != nil {
		return xerrors.Errorf("persisting block messages: %w", err)
	}

	return nil
}

// FetchTipSet fetches a full tipset from a specific peer, preferring local
// data when we already have it.
func (mx *ChainMuxer) FetchTipSet(ctx context.Context, p peer.ID, tsk types.TipSetKey) (*types.FullTipSet, error) {
	if fts, err := mx.tryLoadFullTipSet(ctx, tsk); err == nil {
		return fts, nil
	}

	return mx.exchange.GetFullTipSet(ctx, p, tsk)
}

func (mx *ChainMuxer) tryLoadFullTipSet(ctx context.Context, tsk types.TipSetKey) (*types.FullTipSet, error) {
	ts, err := mx.store.LoadTipSet(ctx, tsk)
	if err != nil {
		return nil, err
	}

	fts, err := mx.store.TryFillTipSet(ctx, ts)
	if err != nil {
		return nil, err
	}
	if fts == nil {
		return nil, xerrors.Errorf("messages for tipset %s not stored locally", tsk)
	}

	return fts, nil
}

// doSync is the SyncFunc handed to the processor. getTarget is re-read
// after each pass so a preempting heavier target extends the sync without
// discarding completed work.
func (mx *ChainMuxer) doSync(ctx context.Context, getTarget func() *types.TipSet) error {
	for {
		target := getTarget()
		if err := mx.syncOnce(ctx, target); err != nil {
			return err
		}

		if getTarget().Equals(target) {
			return nil
		}
		log.Infof("sync target moved while syncing, extending to new target")
	}
}

func (mx *ChainMuxer) syncOnce(ctx context.Context, maybeHead *types.TipSet) error {
	ctx, span := trace.StartSpan(ctx, "chain.Sync")
	defer span.End()

	if span.IsRecordingEvents() {
		span.AddAttributes(
			trace.StringAttribute("tipset", maybeHead.Key().String()),
			trace.Int64Attribute("height", int64(maybeHead.Height())),
		)
	}

	hts := mx.graph.Head()

	if hts != nil {
		if hts.ParentWeight().GreaterThan(maybeHead.ParentWeight()) {
			return nil
		}
		if mx.genesis.Equals(maybeHead) || hts.Equals(maybeHead) {
			return nil
		}
	}

	if err := mx.collectChain(ctx, maybeHead); err != nil {
		span.AddAttributes(trace.StringAttribute("col_error", err.Error()))
		span.SetStatus(trace.Status{
			Code:    13,
			Message: err.Error(),
		})
		return xerrors.Errorf("collectChain failed: %w", err)
	}

	if mx.State() == MuxBootstrap {
		// caught up, gossip can keep us fed from here
		if head := mx.graph.Head(); head != nil && maybeHead.Height() <= head.Height()+build.DefaultRequestWindow {
			mx.setState(MuxFollow)
		}
	}

	stats.Record(ctx, metrics.ChainNodeWorkerHeight.M(int64(maybeHead.Height())))

	if mx.connmgr != nil {
		peers := mx.receiptTracker.GetPeers(maybeHead)
		if len(peers) > 0 {
			mx.connmgr.TagPeer(peers[0], "new-block", 40)

			for _, p := range peers[1:] {
				mx.connmgr.TagPeer(p, "new-block", 25)
			}
		}
	}

	return nil
}
