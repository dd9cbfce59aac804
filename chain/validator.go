package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gurpartap/async"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/badblock"
	"github.com/strandproject/strand/chain/consensus"
	"github.com/strandproject/strand/chain/graph"
	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/metrics"
)

var log = logging.Logger("chain")

// InvalidBlockStrategy controls what a validation failure does to the bad
// block registry.
type InvalidBlockStrategy int

const (
	// Strict marks failed tipsets and their descendants bad. Used on the
	// range sync path, a bad block in a fetched range poisons the whole
	// chain built on it and must never be re-fetched.
	Strict InvalidBlockStrategy = iota
	// Forgiving reports the failure without poisoning the registry. Used
	// for a single gossiped tipset, which may simply be ahead of the state
	// we can compute.
	Forgiving
)

// TipsetValidator runs the full validation pipeline over tipsets before
// they are admitted to the tipset graph.
type TipsetValidator struct {
	cs  *store.ChainStore
	g   *graph.Graph
	bad *badblock.Cache
	sm  StateManager
	cns consensus.Verifier

	genesis *types.TipSet
}

func NewTipsetValidator(cs *store.ChainStore, g *graph.Graph, bad *badblock.Cache, sm StateManager, cns consensus.Verifier, genesis *types.TipSet) *TipsetValidator {
	return &TipsetValidator{
		cs:      cs,
		g:       g,
		bad:     bad,
		sm:      sm,
		cns:     cns,
		genesis: genesis,
	}
}

// ValidateTipSet validates every block in the tipset. The first failing
// block aborts the remainder. Permanent failures mark the offending block
// bad according to the strategy.
func (tv *TipsetValidator) ValidateTipSet(ctx context.Context, fts *types.FullTipSet, strategy InvalidBlockStrategy) error {
	ctx, span := trace.StartSpan(ctx, "validateTipSet")
	defer span.End()

	ts := fts.TipSet()
	span.AddAttributes(trace.Int64Attribute("height", int64(ts.Height())))

	if ts.Equals(tv.genesis) {
		return nil
	}

	for _, b := range fts.Blocks {
		if err := tv.ValidateBlock(ctx, b); err != nil {
			if isPermanent(err) && strategy == Strict {
				tv.markBlockBad(ctx, b.Header, ts, err)
			}
			return xerrors.Errorf("validating block %s: %w", b.Cid(), err)
		}
	}
	return nil
}

// markBlockBad registers the failed block and poisons any descendants the
// graph already knows about.
func (tv *TipsetValidator) markBlockBad(ctx context.Context, h *types.BlockHeader, ts *types.TipSet, verr error) {
	reason := badblock.NewReason("%s", verr)
	reason.TipSet = ts.Key()
	tv.bad.Add(h.Cid(), reason)

	if tv.g.Contains(ts.Key()) {
		if err := tv.g.MarkBad(ctx, ts.Key(), reason); err != nil {
			log.Warnf("marking %s bad in graph: %s", ts.Key(), err)
		}
	}
}

// ValidateBlock runs the ordered block checks. The cheap structural and
// temporal checks run first and abort on failure, the expensive message and
// state checks run concurrently and their failures are aggregated.
func (tv *TipsetValidator) ValidateBlock(ctx context.Context, b *types.FullBlock) (err error) {
	defer func() {
		// record the validation outcome
		if err == nil {
			stats.Record(ctx, metrics.BlockValidationSuccess.M(1))
		}
	}()

	ctx, span := trace.StartSpan(ctx, "validateBlock")
	defer span.End()
	defer metrics.Timer(ctx, metrics.BlockValidationDurationMilliseconds)()

	h := b.Header

	for _, pcid := range h.Parents {
		if reason, has := tv.bad.Has(pcid); has {
			return xerrors.Errorf("block linked to bad parent %s (%s)", pcid, reason)
		}
	}

	baseTs, err := tv.g.LoadTipSet(ctx, types.NewTipSetKey(h.Parents...))
	if err != nil {
		return xerrors.Errorf("load parent tipset failed (%s): %w", h.Parents, err)
	}

	if h.Height <= baseTs.Height() {
		return xerrors.Errorf("block %s epoch %d not after parent epoch %d", h.Cid(), h.Height, baseTs.Height())
	}

	// fast checks first
	now := uint64(build.Clock.Now().Unix())
	if h.Timestamp > now+build.AllowableClockDriftSecs {
		return xerrors.Errorf("block was from the future (now=%d, blk=%d): %w", now, h.Timestamp, ErrTemporal)
	}
	if h.Timestamp > now {
		log.Warnf("got block from the future, but within threshold (%d > %d)", h.Timestamp, now)
	}

	if h.Timestamp < baseTs.MinTimestamp()+(build.BlockDelaySecs*uint64(h.Height-baseTs.Height())) {
		return xerrors.Errorf("block was generated too soon (h.ts:%d < base.mints:%d + BLOCK_DELAY:%d * deltaH:%d)",
			h.Timestamp, baseTs.MinTimestamp(), build.BlockDelaySecs, h.Height-baseTs.Height())
	}

	msgsCheck := async.Err(func() error {
		if err := tv.checkBlockMessages(ctx, b); err != nil {
			return xerrors.Errorf("block had invalid messages: %w", err)
		}
		return nil
	})

	consensusCheck := async.Err(func() error {
		if err := tv.cns.VerifyBlockHeader(ctx, h, baseTs); err != nil {
			return xerrors.Errorf("consensus checks failed: %w", err)
		}
		return nil
	})

	stateCheck := async.Err(func() error {
		stateroot, precp, err := tv.sm.TipSetState(ctx, baseTs)
		if err != nil {
			return xerrors.Errorf("get tipsetstate(%d, %s) failed: %w", h.Height, h.Parents, err)
		}

		if stateroot != h.ParentStateRoot {
			return xerrors.Errorf("parent state root did not match computed state (%s != %s)", stateroot, h.ParentStateRoot)
		}

		if precp != h.ParentMessageReceipts {
			return xerrors.Errorf("parent receipts root did not match computed value (%s != %s)", precp, h.ParentMessageReceipts)
		}
		return nil
	})

	await := []async.ErrorFuture{
		msgsCheck,
		consensusCheck,
		stateCheck,
	}

	var merr error
	for _, fut := range await {
		if err := fut.AwaitContext(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		mulErr := merr.(*multierror.Error)
		mulErr.ErrorFormat = func(es []error) string {
			if len(es) == 1 {
				return es[0].Error()
			}
			points := make([]string, len(es))
			for i, err := range es {
				points[i] = fmt.Sprintf("(%d) %v", i+1, err)
			}
			return fmt.Sprintf(
				"%d errors occurred:\n\t%s\n\n",
				len(es), strings.Join(points, "\n\t"))
		}

		ctx, _ = tag.New(ctx, tag.Insert(metrics.FailureType, "validation"))
		stats.Record(ctx, metrics.BlockValidationFailure.M(1))
		return mulErr
	}

	return nil
}

// checkBlockMessages recomputes the message commitment over the block's
// included messages and compares it to the root claimed by the header. The
// messages are persisted as a side effect.
func (tv *TipsetValidator) checkBlockMessages(ctx context.Context, b *types.FullBlock) error {
	if msgc := len(b.BlsMessages) + len(b.SecpkMessages); msgc > build.BlockMessageLimit {
		return xerrors.Errorf("block %s has too many messages (%d)", b.Header.Cid(), msgc)
	}

	var bcids, scids []cid.Cid
	for _, m := range b.BlsMessages {
		bcids = append(bcids, m.Cid())
	}
	for _, m := range b.SecpkMessages {
		if m.Signature.Type != crypto.SigTypeSecp256k1 {
			return xerrors.Errorf("unknown signature type on message %s: %d", m.Cid(), m.Signature.Type)
		}
		scids = append(scids, m.Cid())
	}

	mrcid, err := tv.cs.ComputeMsgMeta(ctx, bcids, scids)
	if err != nil {
		return xerrors.Errorf("computing msgmeta failed: %w", err)
	}

	if b.Header.Messages != mrcid {
		return xerrors.Errorf("messages didnt match message root in header (%s != %s)", b.Header.Messages, mrcid)
	}

	if err := tv.cs.StoreMessages(ctx, b.BlsMessages, b.SecpkMessages); err != nil {
		return xerrors.Errorf("storing block messages: %w", err)
	}

	return nil
}
