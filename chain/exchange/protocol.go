package exchange

import (
	"time"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/strandproject/strand/chain/types"
)

var log = logging.Logger("chainxchg")

const (
	// ChainExchangeProtocolID is the protocol ID of the chain exchange
	// protocol.
	ChainExchangeProtocolID = "/strand/sync/1.0.0"
)

// MaxRequestLength is the maximum number of tipsets a single request may
// ask for.
const MaxRequestLength = uint64(900)

const (
	readReqDeadline    = 10 * time.Second
	writeReqDeadline   = 5 * time.Second
	readResDeadline    = 300 * time.Second
	writeResDeadline   = 60 * time.Second
	shufflePeersPrefix = 16
)

func init() {
	cbor.RegisterCborType(Request{})
	cbor.RegisterCborType(Response{})
	cbor.RegisterCborType(BSTipSet{})
	cbor.RegisterCborType(CompactedMessages{})
}

// Request is the wire format of a chain exchange request.
type Request struct {
	// Head of the requested chain, the anchor tipset's block CIDs.
	Head []cid.Cid
	// Number of tipsets requested, anchor included.
	Length uint64
	// Options bitfield, see Headers and Messages.
	Options uint64
}

// Options of a request, encoded in its bitfield.
const (
	Headers = 1 << iota
	Messages
)

// parsedOptions is an unpacked request Options bitfield.
type parsedOptions struct {
	IncludeHeaders  bool
	IncludeMessages bool
}

func (options *parsedOptions) noOptionsSet() bool {
	return !options.IncludeHeaders && !options.IncludeMessages
}

func parseOptions(optfield uint64) *parsedOptions {
	return &parsedOptions{
		IncludeHeaders:  optfield&(uint64(Headers)) != 0,
		IncludeMessages: optfield&(uint64(Messages)) != 0,
	}
}

// validatedRequest is a Request that passed the server's validation.
type validatedRequest struct {
	head    types.TipSetKey
	length  uint64
	options *parsedOptions
}

type status uint64

const (
	Ok status = 0
	// We could not fetch the whole requested range, the `Chain` that is
	// returned is a valid prefix of it.
	Partial status = 101

	NotFound      status = 201
	GoAway        status = 202
	InternalError status = 203
	BadRequest    status = 204
)

// Response is the wire format of a chain exchange response.
type Response struct {
	Status status
	// String that complements the error status (error encountered,
	// reason of the partial response, and the like).
	ErrorMessage string

	Chain []*BSTipSet
}

// statusToError converts a non-ok status into an internal error.
func (res *Response) statusToError() error {
	switch res.Status {
	case Ok, Partial:
		return nil
	case NotFound:
		return xerrors.Errorf("not found")
	case GoAway:
		return xerrors.Errorf("not handling 'go away' chainxchg responses yet")
	case InternalError:
		return xerrors.Errorf("block sync peer errored: %s", res.ErrorMessage)
	case BadRequest:
		return xerrors.Errorf("block sync request invalid: %s", res.ErrorMessage)
	default:
		return xerrors.Errorf("unrecognized response code: %d", res.Status)
	}
}

// BSTipSet is a tipset on the wire, its headers along with the compacted
// messages of all its blocks.
type BSTipSet struct {
	Blocks   []*types.BlockHeader
	Messages *CompactedMessages
}

// CompactedMessages carries the messages of a tipset deduplicated across
// its blocks. The includes indexes map each block (by position in the
// tipset) to the positions of its messages in the flat slices.
type CompactedMessages struct {
	Bls         []*types.Message
	BlsIncludes [][]uint64

	Secpk         []*types.SignedMessage
	SecpkIncludes [][]uint64
}

// validatedResponse is a response that has passed the client's validation
// and can be trusted to match what was requested.
type validatedResponse struct {
	tipsets []*types.TipSet
	// messages[i] are the messages of tipsets[i], in a messages-only
	// response there are no tipsets and the messages match the request's
	// anchor chain.
	messages []*CompactedMessages
}

// toFullTipSets joins the headers and messages of a validated response
// back into full tipsets.
func (res *validatedResponse) toFullTipSets() []*types.FullTipSet {
	if len(res.tipsets) == 0 || len(res.messages) == 0 {
		return nil
	}

	ftsList := make([]*types.FullTipSet, len(res.tipsets))
	for tipsetIdx := range res.tipsets {
		fts := &types.FullTipSet{}
		msgs := res.messages[tipsetIdx]
		for blockIdx, b := range res.tipsets[tipsetIdx].Blocks() {
			fb := &types.FullBlock{Header: b}
			for _, mi := range msgs.BlsIncludes[blockIdx] {
				fb.BlsMessages = append(fb.BlsMessages, msgs.Bls[mi])
			}
			for _, mi := range msgs.SecpkIncludes[blockIdx] {
				fb.SecpkMessages = append(fb.SecpkMessages, msgs.Secpk[mi])
			}

			fts.Blocks = append(fts.Blocks, fb)
		}
		ftsList[tipsetIdx] = fts
	}
	return ftsList
}
