package badblock

import (
	"fmt"

	"github.com/hashicorp/golang-lru/arc/v2"
	"github.com/ipfs/go-cid"

	"github.com/strandproject/strand/chain/types"
)

const cacheSize = 1 << 16

// Reason records why a block was rejected. A block can be bad in its own
// right, or inherit badness from an ancestor it links to.
type Reason struct {
	Reason      string
	TipSet      types.TipSetKey
	OriginalCID cid.Cid
}

func NewReason(reason string, args ...interface{}) Reason {
	return Reason{
		Reason: fmt.Sprintf(reason, args...),
	}
}

// Linked propagates a reason to a descendant block. The original offending
// CID is carried along so operators can trace the poisoned subtree to its
// root cause.
func (r Reason) Linked(reason string, args ...interface{}) Reason {
	or := r.OriginalCID
	if or == cid.Undef {
		or = r.TipSet.Cids()[0]
	}
	return Reason{
		Reason:      fmt.Sprintf(reason, args...),
		OriginalCID: or,
		TipSet:      r.TipSet,
	}
}

func (r Reason) String() string {
	res := r.Reason
	if r.OriginalCID != cid.Undef {
		res += fmt.Sprintf(" (check block %s)", r.OriginalCID)
	}
	if !r.TipSet.IsEmpty() {
		res += fmt.Sprintf(" (check tipset %s)", r.TipSet)
	}
	return res
}

// Cache remembers blocks that failed validation so they are never fetched
// or validated again. Entries are sticky for the life of the process,
// subject to LRU capacity.
type Cache struct {
	badBlocks *arc.ARCCache[cid.Cid, Reason]
}

func NewCache() *Cache {
	cache, err := arc.NewARC[cid.Cid, Reason](cacheSize)
	if err != nil {
		panic(err)
	}

	return &Cache{
		badBlocks: cache,
	}
}

func (bts *Cache) Add(c cid.Cid, bbr Reason) {
	bts.badBlocks.Add(c, bbr)
}

func (bts *Cache) Remove(c cid.Cid) {
	bts.badBlocks.Remove(c)
}

func (bts *Cache) Purge() {
	bts.badBlocks.Purge()
}

func (bts *Cache) Has(c cid.Cid) (Reason, bool) {
	return bts.badBlocks.Get(c)
}
