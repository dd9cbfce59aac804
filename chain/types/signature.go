package types

import (
	"fmt"

	"github.com/filecoin-project/go-state-types/crypto"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/polydawn/refmt/obj/atlas"
)

const SignatureMaxLength = 200

func init() {
	cbor.RegisterCborType(atlas.BuildEntry(crypto.Signature{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(s crypto.Signature) ([]byte, error) {
				return append([]byte{byte(s.Type)}, s.Data...), nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(x []byte) (crypto.Signature, error) {
				return SignatureFromBytes(x)
			})).
		Complete())
}

func SignatureFromBytes(x []byte) (crypto.Signature, error) {
	if len(x) == 0 {
		return crypto.Signature{}, fmt.Errorf("zero length signature")
	}
	if len(x) > SignatureMaxLength {
		return crypto.Signature{}, fmt.Errorf("signature too long")
	}
	switch t := crypto.SigType(x[0]); t {
	case crypto.SigTypeSecp256k1, crypto.SigTypeBLS:
		return crypto.Signature{Type: t, Data: x[1:]}, nil
	default:
		return crypto.Signature{}, fmt.Errorf("unknown signature type %d", t)
	}
}
