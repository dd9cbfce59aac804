package store

import (
	"context"

	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/strandproject/strand/chain/types"
)

type msgMetaCids struct {
	bls   []cid.Cid
	secpk []cid.Cid
}

type storable interface {
	ToStorageBlock() (block.Block, error)
}

func PutMessage(ctx context.Context, bs blockWriter, m storable) (cid.Cid, error) {
	b, err := m.ToStorageBlock()
	if err != nil {
		return cid.Undef, err
	}

	if err := bs.Put(ctx, b); err != nil {
		return cid.Undef, err
	}

	return b.Cid(), nil
}

type blockWriter interface {
	Put(context.Context, block.Block) error
}

func (cs *ChainStore) PutMessage(ctx context.Context, m storable) (cid.Cid, error) {
	return PutMessage(ctx, cs.bs, m)
}

// StoreMessages persists a batch of messages, aggregating individual write
// failures rather than stopping at the first.
func (cs *ChainStore) StoreMessages(ctx context.Context, bmsgs []*types.Message, smsgs []*types.SignedMessage) error {
	var err error
	for _, m := range bmsgs {
		if _, perr := cs.PutMessage(ctx, m); perr != nil {
			err = multierr.Append(err, xerrors.Errorf("storing bls message: %w", perr))
		}
	}
	for _, m := range smsgs {
		if _, perr := cs.PutMessage(ctx, m); perr != nil {
			err = multierr.Append(err, xerrors.Errorf("storing secpk message: %w", perr))
		}
	}
	return err
}

// ComputeMsgMeta persists and returns the commitment over the given message
// sets, the CID a block header carries in its Messages field.
func (cs *ChainStore) ComputeMsgMeta(ctx context.Context, bmsgCids, smsgCids []cid.Cid) (cid.Cid, error) {
	mm := &types.MsgMeta{
		BlsMessages:   bmsgCids,
		SecpkMessages: smsgCids,
	}

	b, err := mm.ToStorageBlock()
	if err != nil {
		return cid.Undef, err
	}

	if err := cs.bs.Put(ctx, b); err != nil {
		return cid.Undef, xerrors.Errorf("putting msgmeta block: %w", err)
	}

	return b.Cid(), nil
}

func (cs *ChainStore) ReadMsgMetaCids(ctx context.Context, mmc cid.Cid) ([]cid.Cid, []cid.Cid, error) {
	if mmcids, ok := cs.mmCache.Get(mmc); ok {
		return mmcids.bls, mmcids.secpk, nil
	}

	sb, err := cs.bs.Get(ctx, mmc)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to get msgmeta %s: %w", mmc, err)
	}

	mm, err := types.DecodeMsgMeta(sb.RawData())
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to decode msgmeta %s: %w", mmc, err)
	}

	cs.mmCache.Add(mmc, &msgMetaCids{
		bls:   mm.BlsMessages,
		secpk: mm.SecpkMessages,
	})

	return mm.BlsMessages, mm.SecpkMessages, nil
}

func (cs *ChainStore) MessagesForBlock(ctx context.Context, b *types.BlockHeader) ([]*types.Message, []*types.SignedMessage, error) {
	blscids, secpkcids, err := cs.ReadMsgMetaCids(ctx, b.Messages)
	if err != nil {
		return nil, nil, err
	}

	blsmsgs, err := cs.LoadMessagesFromCids(ctx, blscids)
	if err != nil {
		return nil, nil, xerrors.Errorf("loading bls messages for block: %w", err)
	}

	secpkmsgs, err := cs.LoadSignedMessagesFromCids(ctx, secpkcids)
	if err != nil {
		return nil, nil, xerrors.Errorf("loading secpk messages for block: %w", err)
	}

	return blsmsgs, secpkmsgs, nil
}

func (cs *ChainStore) LoadMessagesFromCids(ctx context.Context, cids []cid.Cid) ([]*types.Message, error) {
	msgs := make([]*types.Message, 0, len(cids))
	for i, c := range cids {
		sb, err := cs.bs.Get(ctx, c)
		if err != nil {
			return nil, xerrors.Errorf("failed to get message %s (index %d): %w", c, i, err)
		}

		m, err := types.DecodeMessage(sb.RawData())
		if err != nil {
			return nil, xerrors.Errorf("failed to decode message %s (index %d): %w", c, i, err)
		}

		msgs = append(msgs, m)
	}

	return msgs, nil
}

func (cs *ChainStore) LoadSignedMessagesFromCids(ctx context.Context, cids []cid.Cid) ([]*types.SignedMessage, error) {
	msgs := make([]*types.SignedMessage, 0, len(cids))
	for i, c := range cids {
		sb, err := cs.bs.Get(ctx, c)
		if err != nil {
			return nil, xerrors.Errorf("failed to get message %s (index %d): %w", c, i, err)
		}

		m, err := types.DecodeSignedMessage(sb.RawData())
		if err != nil {
			return nil, xerrors.Errorf("failed to decode signed message %s (index %d): %w", c, i, err)
		}

		msgs = append(msgs, m)
	}

	return msgs, nil
}

// TryFillTipSet assembles a FullTipSet if every block's messages are present
// locally, and returns nil (without error) when any are missing.
func (cs *ChainStore) TryFillTipSet(ctx context.Context, ts *types.TipSet) (*types.FullTipSet, error) {
	var out []*types.FullBlock

	for _, b := range ts.Blocks() {
		bmsgs, smsgs, err := cs.MessagesForBlock(ctx, b)
		if err != nil {
			// block meta or messages arent stored yet
			log.Debugf("failed to fill tipset: %s", err)
			return nil, nil
		}

		fb := &types.FullBlock{
			Header:        b,
			BlsMessages:   bmsgs,
			SecpkMessages: smsgs,
		}

		out = append(out, fb)
	}
	return types.NewFullTipSet(out), nil
}
