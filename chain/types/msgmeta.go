package types

import (
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
)

// MsgMeta binds the messages included by a single block. Its CID is what a
// block header commits to in its Messages field.
type MsgMeta struct {
	BlsMessages   []cid.Cid
	SecpkMessages []cid.Cid
}

func init() {
	cbor.RegisterCborType(MsgMeta{})
}

func (mm *MsgMeta) Serialize() ([]byte, error) {
	return cbor.DumpObject(mm)
}

func (mm *MsgMeta) ToStorageBlock() (block.Block, error) {
	data, err := mm.Serialize()
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

func (mm *MsgMeta) Cid() cid.Cid {
	sb, err := mm.ToStorageBlock()
	if err != nil {
		panic(err)
	}

	return sb.Cid()
}

func DecodeMsgMeta(b []byte) (*MsgMeta, error) {
	var mm MsgMeta
	if err := cbor.DecodeInto(b, &mm); err != nil {
		return nil, err
	}

	return &mm, nil
}
