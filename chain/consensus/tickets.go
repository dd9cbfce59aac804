package consensus

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/types"
)

// TicketVerifier is the default Verifier. It checks the structural parts of
// a header that every consensus shares: signature fields are present, the
// ticket extends the parent's min ticket, and the epoch is plausible for
// the wall clock.
type TicketVerifier struct {
	genesisTime uint64
}

var _ Verifier = (*TicketVerifier)(nil)

func NewTicketVerifier(genesis *types.TipSet) *TicketVerifier {
	return &TicketVerifier{
		genesisTime: genesis.MinTimestamp(),
	}
}

func (tv *TicketVerifier) VerifyBlockHeader(ctx context.Context, h *types.BlockHeader, parent *types.TipSet) error {
	if h.BlockSig == nil {
		return xerrors.Errorf("block %s has nil signature", h.Cid())
	}

	if h.BLSAggregate == nil {
		return xerrors.Errorf("block %s has nil bls aggregate signature", h.Cid())
	}

	if h.Ticket == nil || len(h.Ticket.VRFProof) == 0 {
		return xerrors.Errorf("block %s has no ticket", h.Cid())
	}

	// The ticket must be derived from the parent's min ticket. We cannot
	// verify the VRF itself without the miner worker key, but an equal
	// proof is always a replay.
	if parent.Len() > 0 {
		if prev := parent.MinTicket(); prev != nil && prev.Compare(h.Ticket) == 0 {
			return xerrors.Errorf("block %s reused its parent ticket", h.Cid())
		}
	}

	return nil
}

func (tv *TicketVerifier) IsEpochBeyondCurrMax(epoch abi.ChainEpoch) bool {
	if tv.genesisTime == 0 {
		return false
	}

	now := uint64(build.Clock.Now().Unix())
	return epoch > (abi.ChainEpoch((now-tv.genesisTime)/build.BlockDelaySecs) + MaxHeightDrift)
}

// MaxHeightDrift is how many epochs past the clock-derived maximum we
// tolerate before rejecting a header outright.
const MaxHeightDrift = 5
