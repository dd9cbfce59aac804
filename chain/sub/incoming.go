package sub

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain"
	"github.com/strandproject/strand/chain/consensus"
	"github.com/strandproject/strand/chain/types"
)

var log = logging.Logger("sub")

// How long we wait for the messages of a gossiped block before giving up on
// it. The block will come back around through hello or exchange if it ends
// up on the winning chain.
var inboundBlockFetchTimeout = 10 * time.Second

// HandleIncomingBlocks reads gossiped blocks off bsub and feeds them into
// the muxer. Message bodies are fetched from the originating peer when we
// don't already have them.
func HandleIncomingBlocks(ctx context.Context, bsub *pubsub.Subscription, mx *chain.ChainMuxer, cmgr connmgr.ConnManager) {
	for {
		msg, err := bsub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Warn("quitting HandleIncomingBlocks loop")
				return
			}
			log.Error("error from block subscription: ", err)
			continue
		}

		blk, ok := msg.ValidatorData.(*types.BlockMsg)
		if !ok {
			log.Warnf("pubsub block validator passed on wrong type: %#v", msg.ValidatorData)
			continue
		}

		src := msg.GetFrom()

		go func() {
			ctx, cancel := context.WithTimeout(ctx, inboundBlockFetchTimeout)
			defer cancel()

			start := build.Clock.Now()
			fts, err := mx.FetchTipSet(ctx, src, types.NewTipSetKey(blk.Cid()))
			if err != nil {
				log.Errorf("failed to fetch all messages for block received over pubsub: %s", err)
				return
			}

			log.Debugw("new block over pubsub", "cid", blk.Cid(), "source", src, "msgfetch", build.Clock.Since(start))

			if mx.InformNewBlock(src, fts.Blocks[0]) && cmgr != nil {
				cmgr.TagPeer(src, "blkprop", 5)
			}
		}()
	}
}

// BlockValidator adapts the consensus pubsub checks into a gossipsub topic
// validator for the blocks topic.
func BlockValidator(self peer.ID, cns consensus.Verifier) pubsub.ValidatorEx {
	return func(ctx context.Context, pid peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
		res, what := consensus.ValidateBlockPubsub(ctx, cns, pid == self, msg)
		if res != pubsub.ValidationAccept {
			log.Debugf("dropping gossiped block: %s", what)
		}
		return res
	}
}
