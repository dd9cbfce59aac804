package chain

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/strandproject/strand/chain/types"
)

// StateManager computes the state produced by executing a tipset. The
// validator compares its results against the roots claimed by child block
// headers.
type StateManager interface {
	// TipSetState returns the state root and message receipts root after
	// executing the given tipset. The computation must be deterministic,
	// two nodes evaluating the same tipset always arrive at the same
	// roots.
	TipSetState(ctx context.Context, ts *types.TipSet) (stateRoot cid.Cid, receiptsRoot cid.Cid, err error)
}
