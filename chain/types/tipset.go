package types

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("types")

// MalformedTipSetError reports a structural defect in a proposed tipset. The
// defect is a property of the block set itself, independent of chain state.
type MalformedTipSetError struct {
	Reason string
}

func (e *MalformedTipSetError) Error() string {
	return "malformed tipset: " + e.Reason
}

var (
	ErrTipSetEmpty             = &MalformedTipSetError{Reason: "no blocks"}
	ErrTipSetMismatchedEpochs  = &MalformedTipSetError{Reason: "mismatched block heights"}
	ErrTipSetMismatchedParents = &MalformedTipSetError{Reason: "mismatched block parents"}
	ErrTipSetMismatchedWeights = &MalformedTipSetError{Reason: "mismatched parent weights"}
	ErrTipSetDuplicateBlock    = &MalformedTipSetError{Reason: "duplicate block"}
)

// IsMalformedTipSet reports whether err stems from tipset construction, as
// opposed to a state or availability failure.
func IsMalformedTipSet(err error) bool {
	var mte *MalformedTipSetError
	return xerrors.As(err, &mte)
}

type TipSet struct {
	cids   []cid.Cid
	blks   []*BlockHeader
	height abi.ChainEpoch
}

type expTipSet struct {
	Cids   []cid.Cid
	Blocks []*BlockHeader
	Height abi.ChainEpoch
}

func (ts *TipSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(expTipSet{
		Cids:   ts.cids,
		Blocks: ts.blks,
		Height: ts.height,
	})
}

func (ts *TipSet) UnmarshalJSON(b []byte) error {
	var ets expTipSet
	if err := json.Unmarshal(b, &ets); err != nil {
		return err
	}

	ots, err := NewTipSet(ets.Blocks)
	if err != nil {
		return err
	}

	*ts = *ots

	return nil
}

func tipsetSortFunc(blks []*BlockHeader) func(i, j int) bool {
	return func(i, j int) bool {
		ti := blks[i].LastTicket()
		tj := blks[j].LastTicket()

		if ti.Compare(tj) == 0 {
			log.Warnf("blocks have same ticket (%s %s)", blks[i].Miner, blks[j].Miner)
			return bytes.Compare(blks[i].Cid().Bytes(), blks[j].Cid().Bytes()) < 0
		}

		return ti.Compare(tj) < 0
	}
}

// NewTipSet checks:
//   - A tipset contains at least one block
//   - All blocks have the same height
//   - All blocks have the same parents
//   - All blocks claim the same parent weight
//   - No block appears twice
//
// The blocks are sorted into canonical order, so any permutation of the same
// blocks yields an identical TipSet.
func NewTipSet(blks []*BlockHeader) (*TipSet, error) {
	if len(blks) == 0 {
		return nil, ErrTipSetEmpty
	}

	blks = append([]*BlockHeader(nil), blks...)
	sort.Slice(blks, tipsetSortFunc(blks))

	var ts TipSet
	ts.cids = []cid.Cid{blks[0].Cid()}
	ts.blks = blks
	seen := map[cid.Cid]struct{}{blks[0].Cid(): {}}
	for _, b := range blks[1:] {
		if b.Height != blks[0].Height {
			return nil, xerrors.Errorf("block %s at height %d, expected %d: %w",
				b.Cid(), b.Height, blks[0].Height, ErrTipSetMismatchedEpochs)
		}

		if !CidArrsEqual(blks[0].Parents, b.Parents) {
			return nil, xerrors.Errorf("block %s: %w", b.Cid(), ErrTipSetMismatchedParents)
		}

		if !blks[0].ParentWeight.Equals(b.ParentWeight) {
			return nil, xerrors.Errorf("block %s claims weight %s, expected %s: %w",
				b.Cid(), b.ParentWeight, blks[0].ParentWeight, ErrTipSetMismatchedWeights)
		}

		c := b.Cid()
		if _, ok := seen[c]; ok {
			return nil, xerrors.Errorf("block %s: %w", c, ErrTipSetDuplicateBlock)
		}
		seen[c] = struct{}{}

		ts.cids = append(ts.cids, c)
	}
	ts.height = blks[0].Height

	return &ts, nil
}

func (ts *TipSet) Cids() []cid.Cid {
	return ts.cids
}

func (ts *TipSet) Key() TipSetKey {
	return NewTipSetKey(ts.cids...)
}

func (ts *TipSet) Height() abi.ChainEpoch {
	return ts.height
}

func (ts *TipSet) Parents() TipSetKey {
	return NewTipSetKey(ts.blks[0].Parents...)
}

func (ts *TipSet) ParentWeight() BigInt {
	return ts.blks[0].ParentWeight
}

func (ts *TipSet) ParentState() cid.Cid {
	return ts.blks[0].ParentStateRoot
}

func (ts *TipSet) ParentMessageReceipts() cid.Cid {
	return ts.blks[0].ParentMessageReceipts
}

func (ts *TipSet) Blocks() []*BlockHeader {
	return ts.blks
}

func (ts *TipSet) Len() int {
	return len(ts.blks)
}

func (ts *TipSet) Equals(ots *TipSet) bool {
	if ts == nil && ots == nil {
		return true
	}
	if ts == nil || ots == nil {
		return false
	}

	if ts.height != ots.height {
		return false
	}

	if len(ts.cids) != len(ots.cids) {
		return false
	}

	for i, cid := range ts.cids {
		if cid != ots.cids[i] {
			return false
		}
	}

	return true
}

func (ts *TipSet) String() string {
	return ts.Key().String()
}

func (ts *TipSet) MinTicket() *Ticket {
	return ts.MinTicketBlock().LastTicket()
}

func (ts *TipSet) MinTicketBlock() *BlockHeader {
	blks := ts.Blocks()

	min := blks[0]

	for _, b := range blks[1:] {
		if b.LastTicket().Compare(min.LastTicket()) < 0 {
			min = b
		}
	}

	return min
}

func (ts *TipSet) MinTimestamp() uint64 {
	minTs := ts.Blocks()[0].Timestamp
	for _, bh := range ts.Blocks()[1:] {
		if bh.Timestamp < minTs {
			minTs = bh.Timestamp
		}
	}
	return minTs
}

func (ts *TipSet) Contains(oc cid.Cid) bool {
	for _, c := range ts.cids {
		if c == oc {
			return true
		}
	}
	return false
}

// IsChildOf reports whether the tipset directly links to parent. The epoch
// delta is not checked beyond being positive, parent edges may skip epochs
// in which no blocks were produced.
func (ts *TipSet) IsChildOf(parent *TipSet) bool {
	return CidArrsEqual(ts.blks[0].Parents, parent.cids) &&
		ts.height > parent.height
}
