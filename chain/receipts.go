package chain

import (
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/strandproject/strand/chain/types"
)

// blockReceiptTracker remembers which peers told us about a tipset, so the
// ones that feed us good heads can be protected in the connection manager.
type blockReceiptTracker struct {
	lk    sync.Mutex
	cache *arc.ARCCache[types.TipSetKey, *peerSet]
}

type peerSet struct {
	peers map[peer.ID]struct{}
}

func newBlockReceiptTracker() *blockReceiptTracker {
	c, err := arc.NewARC[types.TipSetKey, *peerSet](512)
	if err != nil {
		panic(err)
	}
	return &blockReceiptTracker{
		cache: c,
	}
}

func (brt *blockReceiptTracker) Add(p peer.ID, ts *types.TipSet) {
	brt.lk.Lock()
	defer brt.lk.Unlock()

	val, ok := brt.cache.Get(ts.Key())
	if !ok {
		pset := &peerSet{
			peers: map[peer.ID]struct{}{
				p: {},
			},
		}
		brt.cache.Add(ts.Key(), pset)
		return
	}

	val.peers[p] = struct{}{}
}

func (brt *blockReceiptTracker) GetPeers(ts *types.TipSet) []peer.ID {
	brt.lk.Lock()
	defer brt.lk.Unlock()

	ps, ok := brt.cache.Get(ts.Key())
	if !ok {
		return nil
	}

	out := make([]peer.ID, 0, len(ps.peers))
	for p := range ps.peers {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i] < out[j]
	})

	return out
}
