package store

import (
	"context"

	"github.com/hashicorp/golang-lru/arc/v2"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	dstore "github.com/ipfs/go-datastore"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/strandproject/strand/chain/types"
)

var log = logging.Logger("chainstore")

var (
	chainHeadKey = dstore.NewKey("head")
	genesisKey   = dstore.NewKey("genesis")
)

const (
	tipsetCacheSize  = 8192
	msgMetaCacheSize = 2048

	persistBatchSize = 256
)

// ErrNotFound is returned by lookups for chain objects the store has never
// seen.
var ErrNotFound = xerrors.New("chainstore: not found")

// ChainStore persists headers, messages and small chain markers. It knows
// nothing about which chain is canonical, head selection lives in the
// tipset graph.
type ChainStore struct {
	bs bstore.Blockstore
	ds dstore.Batching

	tsCache *arc.ARCCache[types.TipSetKey, *types.TipSet]
	mmCache *arc.ARCCache[cid.Cid, *msgMetaCids]
}

func NewChainStore(bs bstore.Blockstore, ds dstore.Batching) *ChainStore {
	tsc, _ := arc.NewARC[types.TipSetKey, *types.TipSet](tipsetCacheSize)
	mmc, _ := arc.NewARC[cid.Cid, *msgMetaCids](msgMetaCacheSize)

	return &ChainStore{
		bs:      bs,
		ds:      ds,
		tsCache: tsc,
		mmCache: mmc,
	}
}

func (cs *ChainStore) Blockstore() bstore.Blockstore {
	return cs.bs
}

// PersistBlockHeaders writes the given headers in batches. A tipset's
// headers are always handed in together, so a failed batch never leaves a
// partially visible tipset.
func (cs *ChainStore) PersistBlockHeaders(ctx context.Context, b ...*types.BlockHeader) error {
	sbs := make([]block.Block, len(b))

	for i, header := range b {
		var err error
		sbs[i], err = header.ToStorageBlock()
		if err != nil {
			return xerrors.Errorf("serializing block header %s: %w", header.Cid(), err)
		}
	}

	for start := 0; start < len(sbs); start += persistBatchSize {
		end := start + persistBatchSize
		if end > len(sbs) {
			end = len(sbs)
		}

		if err := cs.bs.PutMany(ctx, sbs[start:end]); err != nil {
			return xerrors.Errorf("persisting block headers: %w", err)
		}
	}

	return nil
}

func (cs *ChainStore) GetBlock(ctx context.Context, c cid.Cid) (*types.BlockHeader, error) {
	sb, err := cs.bs.Get(ctx, c)
	if err != nil {
		if ipld.IsNotFound(err) {
			return nil, xerrors.Errorf("block %s: %w", c, ErrNotFound)
		}
		return nil, err
	}

	return types.DecodeBlock(sb.RawData())
}

func (cs *ChainStore) LoadTipSet(ctx context.Context, tsk types.TipSetKey) (*types.TipSet, error) {
	if ts, ok := cs.tsCache.Get(tsk); ok {
		return ts, nil
	}

	cids := tsk.Cids()
	blks := make([]*types.BlockHeader, len(cids))
	for i, c := range cids {
		b, err := cs.GetBlock(ctx, c)
		if err != nil {
			return nil, xerrors.Errorf("get block %s: %w", c, err)
		}

		blks[i] = b
	}

	ts, err := types.NewTipSet(blks)
	if err != nil {
		return nil, err
	}

	cs.tsCache.Add(tsk, ts)

	return ts, nil
}

// Contains returns whether our BlockStore has all blocks in the supplied TipSetKey.
func (cs *ChainStore) Contains(ctx context.Context, tsk types.TipSetKey) (bool, error) {
	for _, c := range tsk.Cids() {
		has, err := cs.bs.Has(ctx, c)
		if err != nil {
			return false, err
		}

		if !has {
			return false, nil
		}
	}
	return true, nil
}

func (cs *ChainStore) SetGenesis(ctx context.Context, b *types.BlockHeader) error {
	ts, err := types.NewTipSet([]*types.BlockHeader{b})
	if err != nil {
		return err
	}

	if err := cs.PersistBlockHeaders(ctx, b); err != nil {
		return err
	}

	cs.tsCache.Add(ts.Key(), ts)

	return cs.ds.Put(ctx, genesisKey, b.Cid().Bytes())
}

func (cs *ChainStore) GetGenesis(ctx context.Context) (*types.BlockHeader, error) {
	data, err := cs.ds.Get(ctx, genesisKey)
	if err != nil {
		if xerrors.Is(err, dstore.ErrNotFound) {
			return nil, xerrors.Errorf("genesis: %w", ErrNotFound)
		}
		return nil, err
	}

	c, err := cid.Cast(data)
	if err != nil {
		return nil, err
	}

	return cs.GetBlock(ctx, c)
}

// WriteHead records the key of the canonical head so it survives restarts.
func (cs *ChainStore) WriteHead(ctx context.Context, tsk types.TipSetKey) error {
	if err := cs.ds.Put(ctx, chainHeadKey, tsk.Bytes()); err != nil {
		return xerrors.Errorf("failed to write chain head to datastore: %w", err)
	}

	return nil
}

// LoadHead reads back the last recorded canonical head key.
func (cs *ChainStore) LoadHead(ctx context.Context) (*types.TipSet, error) {
	data, err := cs.ds.Get(ctx, chainHeadKey)
	if err != nil {
		if xerrors.Is(err, dstore.ErrNotFound) {
			return nil, xerrors.Errorf("head: %w", ErrNotFound)
		}
		return nil, err
	}

	tsk, err := types.TipSetKeyFromBytes(data)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode head tipset key: %w", err)
	}

	return cs.LoadTipSet(ctx, tsk)
}
