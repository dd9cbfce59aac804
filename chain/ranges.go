package chain

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jpillora/backoff"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/badblock"
	"github.com/strandproject/strand/chain/graph"
	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
)

// collectChain runs one full sync pass towards ts: find the range back to
// our chain, persist the headers, then fetch and validate messages forward.
func (mx *ChainMuxer) collectChain(ctx context.Context, ts *types.TipSet) error {
	ctx, span := trace.StartSpan(ctx, "collectChain")
	defer span.End()
	ss := extractSyncState(ctx)

	ss.Init(mx.graph.Head(), ts)

	headers, err := mx.collectHeaders(ctx, ts, mx.graph.Head())
	if err != nil {
		ss.Error(err)
		return err
	}

	span.AddAttributes(trace.Int64Attribute("syncChainLength", int64(len(headers))))

	if !headers[0].Equals(ts) {
		log.Errorf("collectChain headers[0] should be equal to sync target. Its not: %s != %s", headers[0].Cids(), ts.Cids())
	}

	ss.SetStage(StagePersistHeaders)

	toPersist := make([]*types.BlockHeader, 0, len(headers)*int(build.BlocksPerEpoch))
	for _, ts := range headers {
		toPersist = append(toPersist, ts.Blocks()...)
	}
	if err := mx.store.PersistBlockHeaders(ctx, toPersist...); err != nil {
		err = xerrors.Errorf("failed to persist synced blocks to the chainstore: %w", err)
		ss.Error(err)
		return err
	}
	toPersist = nil

	ss.SetStage(StageMessages)

	if err := mx.syncMessagesAndCheckState(ctx, headers); err != nil {
		err = xerrors.Errorf("collectChain syncMessages: %w", err)
		ss.Error(err)
		return err
	}

	ss.SetStage(StageSyncComplete)
	log.Debugw("new tipset", "height", ts.Height(), "tipset", ts.Key())

	return nil
}

// collectHeaders walks the chain backward from `from` until it links into
// `to` (our chain), fetching headers from the network as needed. The
// returned tipsets are newest-first and all gaps are resolved, including
// forks off our canonical chain.
func (mx *ChainMuxer) collectHeaders(ctx context.Context, from *types.TipSet, to *types.TipSet) ([]*types.TipSet, error) {
	ctx, span := trace.StartSpan(ctx, "collectHeaders")
	defer span.End()
	ss := extractSyncState(ctx)

	span.AddAttributes(
		trace.Int64Attribute("fromHeight", int64(from.Height())),
		trace.Int64Attribute("toHeight", int64(to.Height())),
	)

	markLinkedBad := func(bad cid.Cid, accepted []cid.Cid) {
		reason := badblock.NewReason("linked to %s", bad)
		reason.OriginalCID = bad
		for _, b := range accepted {
			mx.bad.Add(b, reason)
		}
	}

	for _, pcid := range from.Parents().Cids() {
		if reason, has := mx.bad.Has(pcid); has {
			markLinkedBad(pcid, from.Cids())
			return nil, xerrors.Errorf("chain linked to block marked previously as bad (%s, %s) (reason: %s)", from.Cids(), pcid, reason)
		}
	}

	blockSet := []*types.TipSet{from}

	at := from.Parents()

	// we want to sync all the blocks until the height above our known chain
	untilHeight := to.Height() + 1

	ss.SetHeight(blockSet[len(blockSet)-1].Height())

	var acceptedBlocks []cid.Cid

loop:
	for blockSet[len(blockSet)-1].Height() > untilHeight {
		for _, bc := range at.Cids() {
			if reason, has := mx.bad.Has(bc); has {
				markLinkedBad(bc, acceptedBlocks)
				return nil, xerrors.Errorf("chain contained block marked previously as bad (%s, %s) (reason: %s)", from.Cids(), bc, reason)
			}
		}

		// If, for some reason, we have a suffix of the chain locally, handle that here
		ts, err := mx.graph.LoadTipSet(ctx, at)
		if err == nil {
			acceptedBlocks = append(acceptedBlocks, at.Cids()...)

			blockSet = append(blockSet, ts)
			at = ts.Parents()
			continue
		}
		if !xerrors.Is(err, store.ErrNotFound) {
			log.Warnf("loading local tipset: %s", err)
		}

		// NB: GetBlocks validates that the blocks are in-fact the ones we
		// requested, and that they are correctly linked to each other. It
		// does not validate any state transitions.
		window := build.MaxHeaderWindow
		if gap := int(blockSet[len(blockSet)-1].Height() - untilHeight); gap < window {
			window = gap
		}

		blks, err := mx.getBlocksWithRetries(ctx, at, window)
		if err != nil {
			// Most likely our peers aren't fully synced yet, but forwarded
			// new block message (ideally we'd find better peers)
			log.Errorf("failed to get blocks: %+v", err)

			span.AddAttributes(trace.StringAttribute("error", err.Error()))

			return nil, xerrors.Errorf("failed to get blocks: %w", err)
		}
		log.Debug("Got blocks: ", blks[0].Height(), len(blks))

		for _, b := range blks {
			if b.Height() < untilHeight {
				break loop
			}
			for _, bc := range b.Cids() {
				if reason, has := mx.bad.Has(bc); has {
					markLinkedBad(bc, acceptedBlocks)
					return nil, xerrors.Errorf("chain contained block marked previously as bad (%s, %s) (reason: %s)", from.Cids(), bc, reason)
				}
			}
			blockSet = append(blockSet, b)
		}

		acceptedBlocks = append(acceptedBlocks, at.Cids()...)

		ss.SetHeight(blks[len(blks)-1].Height())
		at = blks[len(blks)-1].Parents()
	}

	// We have now ascertained that this is *not* a 'fast forward'
	if !types.CidArrsEqual(blockSet[len(blockSet)-1].Parents().Cids(), to.Cids()) {
		last := blockSet[len(blockSet)-1]
		if last.Parents() == to.Parents() {
			// common case: receiving blocks that are potentially part of
			// the same tipset as our best block
			return blockSet, nil
		}

		log.Warnf("(fork detected) synced header chain (%s - %d) does not link to our best block (%s - %d)", from.Cids(), from.Height(), to.Cids(), to.Height())
		fork, err := mx.resolveFork(ctx, last, to)
		if err != nil {
			if xerrors.Is(err, ErrForkTooLong) || xerrors.Is(err, ErrForkCheckpoint) {
				log.Warn("adding forked chain to the bad block registry")
				reason := badblock.NewReason("fork past allowed threshold")
				reason.TipSet = from.Key()
				for _, b := range from.Blocks() {
					mx.bad.Add(b.Cid(), reason)
				}
			}
			return nil, xerrors.Errorf("failed to sync fork: %w", err)
		}

		blockSet = append(blockSet, fork...)
	}

	return blockSet, nil
}

// resolveFork walks both the fork and our canonical chain back to their
// common ancestor. Forks reaching deeper than ForkLengthThreshold, past the
// finality window, or all the way to genesis are refused.
func (mx *ChainMuxer) resolveFork(ctx context.Context, from *types.TipSet, to *types.TipSet) ([]*types.TipSet, error) {
	tips, err := mx.exchange.GetBlocks(ctx, from.Parents(), int(build.ForkLengthThreshold))
	if err != nil {
		return nil, err
	}

	head := mx.graph.Head()

	nts, err := mx.graph.LoadTipSet(ctx, to.Parents())
	if err != nil {
		return nil, xerrors.Errorf("failed to load next local tipset: %w", err)
	}

	for cur := 0; cur < len(tips); {
		if nts.Height() == 0 {
			if !mx.genesis.Equals(nts) {
				return nil, xerrors.Errorf("somehow synced chain that linked back to a different genesis (bad genesis: %s)", nts.Key())
			}
			return nil, xerrors.Errorf("synced chain forked at genesis, refusing to sync: %w", ErrForkCheckpoint)
		}

		if head != nil && head.Height() > build.Finality && nts.Height() < head.Height()-build.Finality {
			return nil, xerrors.Errorf("fork reverts past the finality window (fork at %d, finalized at %d): %w",
				nts.Height(), head.Height()-build.Finality, ErrForkCheckpoint)
		}

		if nts.Equals(tips[cur]) {
			return tips[:cur+1], nil
		}

		if nts.Height() < tips[cur].Height() {
			cur++
		} else {
			nts, err = mx.graph.LoadTipSet(ctx, nts.Parents())
			if err != nil {
				return nil, xerrors.Errorf("loading next local tipset: %w", err)
			}
		}
	}
	return nil, ErrForkTooLong
}

// getBlocksWithRetries wraps the exchange GetBlocks call in a bounded
// backoff loop, peers routinely lag a little behind gossip.
func (mx *ChainMuxer) getBlocksWithRetries(ctx context.Context, at types.TipSetKey, window int) ([]*types.TipSet, error) {
	bo := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < fetchRetries; attempt++ {
		blks, err := mx.exchange.GetBlocks(ctx, at, window)
		if err == nil {
			return blks, nil
		}
		lastErr = err

		select {
		case <-build.Clock.After(bo.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

const fetchRetries = 3

// syncMessagesAndCheckState walks the collected headers oldest-first,
// filling each tipset with messages and running full validation before
// inserting it into the tipset graph.
func (mx *ChainMuxer) syncMessagesAndCheckState(ctx context.Context, headers []*types.TipSet) error {
	ss := extractSyncState(ctx)
	ss.SetHeight(0)

	return mx.iterFullTipsets(ctx, headers, func(ctx context.Context, fts *types.FullTipSet) error {
		ts := fts.TipSet()
		log.Debugw("validating tipset", "height", ts.Height(), "size", ts.Len())

		// completed work from a preempted pass is kept, never re-validated
		if mx.graph.Contains(ts.Key()) {
			ss.SetHeight(ts.Height())
			return nil
		}

		if err := mx.validator.ValidateTipSet(ctx, fts, Strict); err != nil {
			log.Errorf("failed to validate tipset: %+v", err)
			return xerrors.Errorf("message processing failed: %w", err)
		}

		if err := mx.graph.InsertValidated(ctx, ts, graph.Weight(ts)); err != nil {
			return xerrors.Errorf("inserting validated tipset: %w", err)
		}

		ss.SetHeight(ts.Height())

		return nil
	})
}

// iterFullTipsets fills out each of the given tipsets (newest-first) with
// messages and calls the callback with them oldest-first.
func (mx *ChainMuxer) iterFullTipsets(ctx context.Context, headers []*types.TipSet, cb func(context.Context, *types.FullTipSet) error) error {
	ctx, span := trace.StartSpan(ctx, "iterFullTipsets")
	defer span.End()

	span.AddAttributes(trace.Int64Attribute("num_headers", int64(len(headers))))

	windowSize := build.DefaultRequestWindow
	for i := len(headers) - 1; i >= 0; {
		fts, err := mx.store.TryFillTipSet(ctx, headers[i])
		if err != nil {
			return err
		}
		if fts != nil {
			if err := cb(ctx, fts); err != nil {
				return err
			}
			i--
			continue
		}

		batchSize := windowSize
		if i < batchSize {
			batchSize = i + 1
		}

		batch := headers[i-batchSize+1 : i+1]
		bstips, err := mx.exchange.GetChainMessages(ctx, batch)
		if err != nil {
			return xerrors.Errorf("message processing failed: %w", err)
		}

		// A partial response covers the newer end of the window. Both the
		// batch and the responses are newest-first, so re-request the
		// uncovered remainder and append until the batch is complete.
		for len(bstips) < len(batch) {
			if len(bstips) == 0 {
				return xerrors.Errorf("got no message responses for %d tipsets", len(batch))
			}

			rest, err := mx.exchange.GetChainMessages(ctx, batch[len(bstips):])
			if err != nil {
				return xerrors.Errorf("message processing failed: %w", err)
			}
			if len(rest) == 0 {
				return xerrors.Errorf("got no message responses for remaining %d tipsets", len(batch)-len(bstips))
			}
			bstips = append(bstips, rest...)
		}

		for bsi := 0; bsi < len(bstips); bsi++ {
			// bstips is newest-first, we consume oldest-first
			this := headers[i-bsi]
			bstip := bstips[len(bstips)-(bsi+1)]
			fts, err := zipTipSetAndMessages(this, bstip.Bls, bstip.Secpk, bstip.BlsIncludes, bstip.SecpkIncludes)
			if err != nil {
				log.Warnw("zipping failed", "error", err, "bsi", bsi, "i", i,
					"height", this.Height())
				return xerrors.Errorf("message processing failed: %w", err)
			}

			if err := cb(ctx, fts); err != nil {
				return err
			}
		}
		i -= batchSize
	}

	return nil
}

// zipTipSetAndMessages joins a header tipset with its compacted messages
// into a FullTipSet.
func zipTipSetAndMessages(ts *types.TipSet, allbmsgs []*types.Message, allsmsgs []*types.SignedMessage, bmi, smi [][]uint64) (*types.FullTipSet, error) {
	if len(ts.Blocks()) != len(smi) || len(ts.Blocks()) != len(bmi) {
		return nil, xerrors.Errorf("msgincl length didnt match tipset size")
	}

	fts := &types.FullTipSet{}
	for bi, b := range ts.Blocks() {
		fb := &types.FullBlock{
			Header: b,
		}
		for _, m := range bmi[bi] {
			fb.BlsMessages = append(fb.BlsMessages, allbmsgs[m])
		}
		for _, m := range smi[bi] {
			fb.SecpkMessages = append(fb.SecpkMessages, allsmsgs[m])
		}

		fts.Blocks = append(fts.Blocks, fb)
	}

	return fts, nil
}
