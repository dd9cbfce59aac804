package consensus

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/strandproject/strand/chain/types"
)

var log = logging.Logger("consensus")

// Verifier abstracts the consensus-specific checks on a block header so the
// sync machinery stays agnostic of the leader election in use, and so tests
// can stub them out.
type Verifier interface {
	// VerifyBlockHeader runs the consensus checks on a single header against
	// its parent tipset: ticket chain, block signature, winning proof.
	VerifyBlockHeader(ctx context.Context, h *types.BlockHeader, parent *types.TipSet) error

	// IsEpochBeyondCurrMax reports whether the given epoch lies further in
	// the future than the clock allows.
	IsEpochBeyondCurrMax(epoch abi.ChainEpoch) bool
}
