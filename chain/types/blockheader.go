package types

import (
	"bytes"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/polydawn/refmt/obj/atlas"
	"golang.org/x/xerrors"
)

type Ticket struct {
	VRFProof []byte
}

func (t *Ticket) Compare(o *Ticket) int {
	return bytes.Compare(t.VRFProof, o.VRFProof)
}

type BlockHeader struct {
	Miner address.Address

	Ticket *Ticket

	Parents []cid.Cid

	ParentWeight BigInt

	Height abi.ChainEpoch

	ParentStateRoot cid.Cid

	ParentMessageReceipts cid.Cid

	Messages cid.Cid

	BLSAggregate *crypto.Signature

	Timestamp uint64

	BlockSig *crypto.Signature

	ForkSignaling uint64
}

func init() {
	cbor.RegisterCborType(atlas.BuildEntry(BlockHeader{}).UseTag(43).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(blk BlockHeader) ([]interface{}, error) {
				if blk.Parents == nil {
					blk.Parents = []cid.Cid{}
				}
				var ticket []byte
				if blk.Ticket != nil {
					ticket = blk.Ticket.VRFProof
				}
				return []interface{}{
					blk.Miner.Bytes(),
					ticket,
					blk.Parents,
					blk.ParentWeight,
					uint64(blk.Height),
					blk.ParentStateRoot,
					blk.ParentMessageReceipts,
					blk.Messages,
					sigBytes(blk.BLSAggregate),
					blk.Timestamp,
					sigBytes(blk.BlockSig),
					blk.ForkSignaling,
				}, nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(arr []interface{}) (BlockHeader, error) {
				if len(arr) != 12 {
					return BlockHeader{}, xerrors.Errorf("block header should have 12 fields, got %d", len(arr))
				}

				miner, err := address.NewFromBytes(arr[0].([]byte))
				if err != nil {
					return BlockHeader{}, err
				}

				var ticket *Ticket
				if tb, _ := arr[1].([]byte); len(tb) > 0 {
					ticket = &Ticket{VRFProof: tb}
				}

				parents := []cid.Cid{}
				parentsArr, _ := arr[2].([]interface{})
				for _, p := range parentsArr {
					parents = append(parents, p.(cid.Cid))
				}

				parentWeight := arr[3].(BigInt)
				height, ok := asUint64(arr[4])
				if !ok {
					return BlockHeader{}, xerrors.New("expected uint64 height")
				}

				stateRoot := arr[5].(cid.Cid)
				receipts := arr[6].(cid.Cid)
				msgscid := arr[7].(cid.Cid)

				blsagg, err := sigFromBytes(arr[8].([]byte))
				if err != nil {
					return BlockHeader{}, err
				}

				timestamp, _ := asUint64(arr[9])

				blocksig, err := sigFromBytes(arr[10].([]byte))
				if err != nil {
					return BlockHeader{}, err
				}

				forkSignaling, _ := asUint64(arr[11])

				return BlockHeader{
					Miner:                 miner,
					Ticket:                ticket,
					Parents:               parents,
					ParentWeight:          parentWeight,
					Height:                abi.ChainEpoch(height),
					ParentStateRoot:       stateRoot,
					ParentMessageReceipts: receipts,
					Messages:              msgscid,
					BLSAggregate:          blsagg,
					Timestamp:             timestamp,
					BlockSig:              blocksig,
					ForkSignaling:         forkSignaling,
				}, nil
			})).
		Complete())
}

// asUint64 reads an integer out of a decoded cbor array. refmt hands
// unsigned integers back as plain int when the destination is interface{},
// and as int64 when they do not fit, so a bare uint64 assertion never holds.
func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	}
	return 0, false
}

func sigBytes(s *crypto.Signature) []byte {
	if s == nil {
		return []byte{}
	}
	return append([]byte{byte(s.Type)}, s.Data...)
}

func sigFromBytes(x []byte) (*crypto.Signature, error) {
	if len(x) == 0 {
		return nil, nil
	}
	s, err := SignatureFromBytes(x)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *BlockHeader) Serialize() ([]byte, error) {
	return cbor.DumpObject(b)
}

func (b *BlockHeader) ToStorageBlock() (block.Block, error) {
	data, err := b.Serialize()
	if err != nil {
		return nil, err
	}

	pref := cid.NewPrefixV1(cid.DagCBOR, mh.BLAKE2B_MIN+31)
	c, err := pref.Sum(data)
	if err != nil {
		return nil, err
	}

	return block.NewBlockWithCid(data, c)
}

func (b *BlockHeader) Cid() cid.Cid {
	sb, err := b.ToStorageBlock()
	if err != nil {
		panic(err)
	}

	return sb.Cid()
}

func DecodeBlock(b []byte) (*BlockHeader, error) {
	var blk BlockHeader
	if err := cbor.DecodeInto(b, &blk); err != nil {
		return nil, xerrors.Errorf("decoding block header: %w", err)
	}

	return &blk, nil
}

func (b *BlockHeader) LastTicket() *Ticket {
	return b.Ticket
}

func CidArrsEqual(a, b []cid.Cid) bool {
	if len(a) != len(b) {
		return false
	}

	// order ignoring compare...
	s := make(map[cid.Cid]bool)
	for _, c := range a {
		s[c] = true
	}

	for _, c := range b {
		if !s[c] {
			return false
		}
	}
	return true
}

func CidArrsContains(a []cid.Cid, b cid.Cid) bool {
	for _, elem := range a {
		if elem.Equals(b) {
			return true
		}
	}
	return false
}
