package types

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// A TipSetKey is an immutable collection of CIDs forming a unique key for a tipset.
// The CIDs are assumed to be distinct and in canonical order. Two keys with the same
// CIDs in a different order are not considered equal.
// TipSetKey is a lightweight value type and may be compared for equality with ==,
// which also makes it usable as a map key.
type TipSetKey struct {
	// The internal representation is a concatenation of the bytes of the CIDs,
	// each preceded by a uvarint length, the whole preceded by a uvarint count.
	// The empty key has value "".
	value string
}

var EmptyTSK = TipSetKey{}

// NewTipSetKey builds a new key from a slice of CIDs.
// The CIDs are assumed to be ordered correctly.
func NewTipSetKey(cids ...cid.Cid) TipSetKey {
	encoded := encodeKey(cids)
	return TipSetKey{string(encoded)}
}

// TipSetKeyFromBytes wraps an encoded key, validating correct decoding.
func TipSetKeyFromBytes(encoded []byte) (TipSetKey, error) {
	if _, err := decodeKey(encoded); err != nil {
		return EmptyTSK, err
	}
	return TipSetKey{string(encoded)}, nil
}

// Cids returns a slice of the CIDs comprising this key.
func (k TipSetKey) Cids() []cid.Cid {
	cids, err := decodeKey([]byte(k.value))
	if err != nil {
		panic("invalid tipset key: " + err.Error())
	}
	return cids
}

// String returns a human-readable representation of the key.
func (k TipSetKey) String() string {
	b := strings.Builder{}
	b.WriteString("{")
	cids := k.Cids()
	for i, c := range cids {
		b.WriteString(c.String())
		if i < len(cids)-1 {
			b.WriteString(",")
		}
	}
	b.WriteString("}")
	return b.String()
}

// Bytes returns a binary representation of the key.
func (k TipSetKey) Bytes() []byte {
	return []byte(k.value)
}

func (k TipSetKey) Equals(o TipSetKey) bool {
	return k.value == o.value
}

func (k TipSetKey) IsEmpty() bool {
	return len(k.value) == 0
}

func encodeKey(cids []cid.Cid) []byte {
	if len(cids) == 0 {
		return []byte{}
	}
	var scratch [binary.MaxVarintLen64]byte
	buffer := new(bytes.Buffer)
	n := binary.PutUvarint(scratch[:], uint64(len(cids)))
	buffer.Write(scratch[:n])
	for _, c := range cids {
		b := c.Bytes()
		n = binary.PutUvarint(scratch[:], uint64(len(b)))
		buffer.Write(scratch[:n])
		buffer.Write(b)
	}
	return buffer.Bytes()
}

func decodeKey(encoded []byte) ([]cid.Cid, error) {
	if len(encoded) == 0 {
		return []cid.Cid{}, nil
	}

	buffer := bytes.NewReader(encoded)
	count, err := binary.ReadUvarint(buffer)
	if err != nil {
		return nil, err
	}

	cids := make([]cid.Cid, 0, count)
	for i := uint64(0); i < count; i++ {
		l, err := binary.ReadUvarint(buffer)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, l)
		if _, err := buffer.Read(buf); err != nil {
			return nil, err
		}
		c, err := cid.Cast(buf)
		if err != nil {
			return nil, xerrors.Errorf("casting cid in tipset key: %w", err)
		}
		cids = append(cids, c)
	}
	if buffer.Len() != 0 {
		return nil, xerrors.New("trailing bytes in tipset key")
	}
	return cids, nil
}
