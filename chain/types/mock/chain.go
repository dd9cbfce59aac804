package mock

import (
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/ipfs/go-cid"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/graph"
	"github.com/strandproject/strand/chain/types"
)

func Address(i uint64) address.Address {
	a, err := address.NewIDAddress(i)
	if err != nil {
		panic(err)
	}
	return a
}

func UnsignedMessage(from, to address.Address, nonce uint64) *types.Message {
	return &types.Message{
		To:       to,
		From:     from,
		Nonce:    nonce,
		Value:    types.NewInt(0),
		GasLimit: 10000,
		GasPrice: types.NewInt(0),
	}
}

func SignedMessage(from, to address.Address, nonce uint64) *types.SignedMessage {
	msg := UnsignedMessage(from, to, nonce)
	return &types.SignedMessage{
		Message: *msg,
		Signature: crypto.Signature{
			Type: crypto.SigTypeSecp256k1,
			Data: []byte(fmt.Sprintf("fake sig %d", nonce)),
		},
	}
}

// MkBlock produces a block building on parents, one epoch later. Pass nil
// parents for a genesis block. weightInc is claimed on top of the computed
// parent weight, pass 0 for an honest header.
func MkBlock(parents *types.TipSet, weightInc uint64, ticketNonce uint64) *types.BlockHeader {
	var height abi.ChainEpoch
	if parents != nil {
		height = parents.Height() + 1
	}
	return MkBlockAtEpoch(parents, height, weightInc, ticketNonce)
}

// MkBlockAtEpoch produces a block building on parents at the given epoch,
// which may leave a null-epoch gap.
func MkBlockAtEpoch(parents *types.TipSet, height abi.ChainEpoch, weightInc uint64, ticketNonce uint64) *types.BlockHeader {
	addr := Address(123561)

	c, err := cid.Decode("bafyreicmaj5hhoy5mgqvamfhgexxyergw7hdeshizghodwkjg6qmpoco7i")
	if err != nil {
		panic(err)
	}

	pstateRoot := c
	if parents != nil {
		pstateRoot = parents.Blocks()[0].ParentStateRoot
	}

	var pcids []cid.Cid
	weight := types.NewInt(weightInc)
	var timestamp uint64
	if parents != nil {
		if height <= parents.Height() {
			panic("block epoch must be greater than parent epoch")
		}
		pcids = parents.Cids()
		timestamp = parents.MinTimestamp() + uint64(height-parents.Height())*build.BlockDelaySecs
		weight = types.BigAdd(graph.Weight(parents), weight)
	}

	emptyMeta := &types.MsgMeta{}

	return &types.BlockHeader{
		Miner: addr,
		Ticket: &types.Ticket{
			VRFProof: []byte(fmt.Sprintf("====%d=====", ticketNonce)),
		},
		Parents:               pcids,
		ParentMessageReceipts: c,
		BLSAggregate:          &crypto.Signature{Type: crypto.SigTypeBLS, Data: []byte("boo! im a signature")},
		BlockSig:              &crypto.Signature{Type: crypto.SigTypeBLS, Data: []byte("boo! im a signature")},
		ParentWeight:          weight,
		Messages:              emptyMeta.Cid(),
		Height:                height,
		Timestamp:             timestamp,
		ParentStateRoot:       pstateRoot,
	}
}

func TipSet(blks ...*types.BlockHeader) *types.TipSet {
	ts, err := types.NewTipSet(blks)
	if err != nil {
		panic(err)
	}
	return ts
}
