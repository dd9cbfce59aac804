package types

import (
	"github.com/filecoin-project/go-state-types/crypto"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/polydawn/refmt/obj/atlas"
	"golang.org/x/xerrors"
)

type SignedMessage struct {
	Message   Message
	Signature crypto.Signature
}

func init() {
	cbor.RegisterCborType(atlas.BuildEntry(SignedMessage{}).UseTag(45).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(sm SignedMessage) ([]interface{}, error) {
				return []interface{}{
					sm.Message,
					sigBytes(&sm.Signature),
				}, nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(x []interface{}) (SignedMessage, error) {
				if len(x) != 2 {
					return SignedMessage{}, xerrors.New("signed message should have 2 fields")
				}

				msg, ok := x[0].(Message)
				if !ok {
					return SignedMessage{}, xerrors.New("expected message at index 0")
				}

				sigb, ok := x[1].([]byte)
				if !ok {
					return SignedMessage{}, xerrors.New("signature in signed message was not bytes")
				}

				sig, err := SignatureFromBytes(sigb)
				if err != nil {
					return SignedMessage{}, err
				}

				return SignedMessage{
					Message:   msg,
					Signature: sig,
				}, nil
			})).
		Complete())
}

func (sm *SignedMessage) Serialize() ([]byte, error) {
	return cbor.DumpObject(sm)
}

func (sm *SignedMessage) ToStorageBlock() (block.Block, error) {
	data, err := sm.Serialize()
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

func (sm *SignedMessage) Cid() cid.Cid {
	sb, err := sm.ToStorageBlock()
	if err != nil {
		panic(err)
	}

	return sb.Cid()
}

func DecodeSignedMessage(b []byte) (*SignedMessage, error) {
	var msg SignedMessage
	if err := cbor.DecodeInto(b, &msg); err != nil {
		return nil, xerrors.Errorf("decoding signed message: %w", err)
	}

	return &msg, nil
}

func (sm *SignedMessage) ChainLength() int {
	ser, err := sm.Serialize()
	if err != nil {
		panic(err)
	}
	return len(ser)
}
