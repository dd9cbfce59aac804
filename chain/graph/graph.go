package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/pubsub"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/strandproject/strand/chain/badblock"
	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/metrics"
)

var log = logging.Logger("chaingraph")

var (
	// ErrMarkedBad rejects tipsets containing a block known to be bad.
	ErrMarkedBad = xerrors.New("tipset contains a block marked bad")

	// ErrEpochNotAfterParent rejects tipsets that do not advance the chain.
	ErrEpochNotAfterParent = xerrors.New("tipset epoch not after parent epoch")

	// ErrUnknownTipSet is returned when an operation names a tipset the
	// graph has never seen.
	ErrUnknownTipSet = xerrors.New("unknown tipset")
)

type node struct {
	ts     *types.TipSet
	weight types.BigInt

	// insertion sequence, used to break weight ties in favor of the
	// tipset seen first
	seq uint64

	// reachable from the anchor through parent links
	attached bool
}

// Graph is the in-memory DAG of validated tipsets. It is the only owner of
// the weight index and the canonical head: the head moves exclusively
// through InsertValidated and MarkBad.
//
// Parent edges may skip epochs, gaps correspond to epochs in which no
// blocks were produced.
type Graph struct {
	cs  *store.ChainStore
	bad *badblock.Cache

	lk       sync.RWMutex
	nodes    map[types.TipSetKey]*node
	children map[types.TipSetKey][]types.TipSetKey
	byEpoch  map[abi.ChainEpoch][]types.TipSetKey
	nextSeq  uint64

	// canonical head, the heaviest tipset attached to the anchor
	head *node

	// heaviest tipset seen at all, attached or not
	heaviestKnown *node

	anchor *types.TipSet

	reorgCh        chan reorg
	reorgNotifeeCh chan ReorgNotifee
	bestTips       *pubsub.PubSub
}

func NewGraph(ctx context.Context, cs *store.ChainStore, bad *badblock.Cache) *Graph {
	g := &Graph{
		cs:       cs,
		bad:      bad,
		nodes:    make(map[types.TipSetKey]*node),
		children: make(map[types.TipSetKey][]types.TipSetKey),
		byEpoch:  make(map[abi.ChainEpoch][]types.TipSetKey),
		bestTips: pubsub.New(64),
	}

	g.reorgNotifeeCh = make(chan ReorgNotifee)
	g.reorgCh = g.reorgWorker(ctx)

	return g
}

// SetAnchor roots the graph at the given tipset, normally the genesis
// tipset or the root of an imported snapshot. The anchor is attached by
// definition and becomes the head if none is set.
func (g *Graph) SetAnchor(ctx context.Context, ts *types.TipSet) error {
	g.lk.Lock()
	defer g.lk.Unlock()

	if g.anchor != nil {
		return xerrors.New("graph anchor already set")
	}

	n := &node{
		ts:       ts,
		weight:   Weight(ts),
		seq:      g.nextSeq,
		attached: true,
	}
	g.nextSeq++

	g.anchor = ts
	g.nodes[ts.Key()] = n
	g.byEpoch[ts.Height()] = append(g.byEpoch[ts.Height()], ts.Key())

	if g.head == nil {
		g.head = n
		g.heaviestKnown = n
		if err := g.cs.WriteHead(ctx, ts.Key()); err != nil {
			log.Errorf("failed to write head: %s", err)
		}
	}

	return nil
}

// InsertValidated adds a fully validated tipset to the graph. The call is
// idempotent, and on any error the graph is left untouched. If the new
// tipset makes a heavier chain reachable from the anchor, the canonical
// head advances and a head change is published.
func (g *Graph) InsertValidated(ctx context.Context, ts *types.TipSet, w types.BigInt) error {
	ctx, span := trace.StartSpan(ctx, "graph.InsertValidated")
	defer span.End()

	key := ts.Key()

	g.lk.Lock()
	defer g.lk.Unlock()

	if _, ok := g.nodes[key]; ok {
		return nil
	}

	for _, c := range ts.Cids() {
		if reason, ok := g.bad.Has(c); ok {
			return xerrors.Errorf("block %s: %s: %w", c, reason, ErrMarkedBad)
		}
	}

	attached := false
	if parent, ok := g.nodes[ts.Parents()]; ok {
		if ts.Height() <= parent.ts.Height() {
			return xerrors.Errorf("tipset %s at epoch %d, parent at %d: %w",
				key, ts.Height(), parent.ts.Height(), ErrEpochNotAfterParent)
		}
		attached = parent.attached
	}

	n := &node{
		ts:       ts,
		weight:   w,
		seq:      g.nextSeq,
		attached: attached,
	}
	g.nextSeq++

	g.nodes[key] = n
	g.byEpoch[ts.Height()] = append(g.byEpoch[ts.Height()], key)
	g.children[ts.Parents()] = append(g.children[ts.Parents()], key)

	if isHeavier(n, g.heaviestKnown) {
		g.heaviestKnown = n
	}

	if attached {
		g.attachSubtree(ctx, n)
	}

	return nil
}

// attachSubtree marks n and everything below it reachable, promoting the
// head to the heaviest newly attached tipset if it beats the current one.
// Called with the lock held.
func (g *Graph) attachSubtree(ctx context.Context, n *node) {
	best := g.head

	queue := []*node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		cur.attached = true
		if isHeavier(cur, best) {
			best = cur
		}

		// removeSubtree below edits the child list, iterate over a copy
		children := append([]types.TipSetKey(nil), g.children[cur.ts.Key()]...)
		for _, ck := range children {
			child, ok := g.nodes[ck]
			if !ok || child.attached {
				continue
			}
			// a child inserted before its parent skipped the epoch check at
			// insert time, so it has to be re-run here
			if child.ts.Height() <= cur.ts.Height() {
				log.Warnf("dropping tipset %s at epoch %d, not after parent epoch %d", ck, child.ts.Height(), cur.ts.Height())
				g.removeSubtree(child)
				continue
			}
			queue = append(queue, child)
		}
	}

	if best != g.head {
		g.takeHeaviestTipSet(ctx, best)
	}
}

// removeSubtree drops an unattached subtree from every index. The head is
// untouched, nothing below an unattached node can be attached. Called with
// the lock held.
func (g *Graph) removeSubtree(root *node) {
	droppedHeaviest := false

	queue := []*node{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		key := cur.ts.Key()
		if _, ok := g.nodes[key]; !ok {
			continue
		}

		for _, ck := range g.children[key] {
			if child, ok := g.nodes[ck]; ok {
				queue = append(queue, child)
			}
		}

		delete(g.nodes, key)
		delete(g.children, key)
		g.byEpoch[cur.ts.Height()] = removeKey(g.byEpoch[cur.ts.Height()], key)
		if len(g.byEpoch[cur.ts.Height()]) == 0 {
			delete(g.byEpoch, cur.ts.Height())
		}
		g.children[cur.ts.Parents()] = removeKey(g.children[cur.ts.Parents()], key)

		if g.heaviestKnown == cur {
			droppedHeaviest = true
		}
	}

	if droppedHeaviest {
		g.heaviestKnown = g.findHeaviest(false)
	}
}

// Called with the lock held.
func (g *Graph) takeHeaviestTipSet(ctx context.Context, n *node) {
	var old *types.TipSet
	if g.head != nil {
		old = g.head.ts
	}
	g.head = n

	log.Infof("New heaviest tipset! %s (height=%d)", n.ts.Cids(), n.ts.Height())

	g.reorgCh <- reorg{old: old, new: n.ts}

	if err := g.cs.WriteHead(ctx, n.ts.Key()); err != nil {
		log.Errorf("failed to write chain head: %s", err)
	}

	stats.Record(ctx, metrics.ChainNodeHeight.M(int64(n.ts.Height())))
}

// MarkBad removes the tipset and every descendant reachable from it,
// recording all of their blocks in the bad block registry. If the head was
// in the removed subtree it is recomputed from the remaining tipsets.
func (g *Graph) MarkBad(ctx context.Context, tsk types.TipSetKey, reason badblock.Reason) error {
	g.lk.Lock()
	defer g.lk.Unlock()

	root, ok := g.nodes[tsk]
	if !ok {
		// remember the blocks anyway so they are refused on arrival
		for _, c := range tsk.Cids() {
			g.bad.Add(c, reason)
		}
		return nil
	}

	reason.TipSet = tsk

	removed := map[types.TipSetKey]*node{}
	queue := []*node{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		key := cur.ts.Key()
		if _, ok := removed[key]; ok {
			continue
		}
		removed[key] = cur

		for _, ck := range g.children[key] {
			if child, ok := g.nodes[ck]; ok {
				queue = append(queue, child)
			}
		}
	}

	for key, n := range removed {
		r := reason
		if key != tsk {
			r = reason.Linked("descendant of bad tipset %s", tsk)
		}
		for _, c := range n.ts.Cids() {
			g.bad.Add(c, r)
		}

		delete(g.nodes, key)
		delete(g.children, key)
		g.byEpoch[n.ts.Height()] = removeKey(g.byEpoch[n.ts.Height()], key)
		if len(g.byEpoch[n.ts.Height()]) == 0 {
			delete(g.byEpoch, n.ts.Height())
		}
		g.children[n.ts.Parents()] = removeKey(g.children[n.ts.Parents()], key)
	}

	stats.Record(ctx, metrics.TipSetMarkedBad.M(int64(len(removed))))

	if g.head != nil {
		if _, gone := removed[g.head.ts.Key()]; gone {
			if nh := g.findHeaviest(true); nh != nil {
				g.takeHeaviestTipSet(ctx, nh)
			} else {
				g.head = nil
			}
		}
	}
	if g.heaviestKnown != nil {
		if _, gone := removed[g.heaviestKnown.ts.Key()]; gone {
			g.heaviestKnown = g.findHeaviest(false)
		}
	}

	return nil
}

// Called with the lock held.
func (g *Graph) findHeaviest(attachedOnly bool) *node {
	var best *node
	for _, n := range g.nodes {
		if attachedOnly && !n.attached {
			continue
		}
		if isHeavier(n, best) {
			best = n
		}
	}
	return best
}

func isHeavier(a, b *node) bool {
	if b == nil {
		return true
	}
	if a == nil {
		return false
	}
	if !a.weight.Equals(b.weight) {
		return a.weight.GreaterThan(b.weight)
	}
	return a.seq < b.seq
}

func removeKey(keys []types.TipSetKey, k types.TipSetKey) []types.TipSetKey {
	for i, key := range keys {
		if key == k {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// Head returns the canonical head tipset.
func (g *Graph) Head() *types.TipSet {
	g.lk.RLock()
	defer g.lk.RUnlock()
	if g.head == nil {
		return nil
	}
	return g.head.ts
}

// HeadWeight returns the canonical head and its weight.
func (g *Graph) HeadWeight() (*types.TipSet, types.BigInt) {
	g.lk.RLock()
	defer g.lk.RUnlock()
	if g.head == nil {
		return nil, types.NewInt(0)
	}
	return g.head.ts, g.head.weight
}

// HeaviestKnown returns the heaviest tipset inserted so far, whether or not
// it is reachable from the anchor yet.
func (g *Graph) HeaviestKnown() *types.TipSet {
	g.lk.RLock()
	defer g.lk.RUnlock()
	if g.heaviestKnown == nil {
		return nil
	}
	return g.heaviestKnown.ts
}

// Contains reports whether the tipset has already been validated and
// inserted. Callers use this to avoid re-validating known tipsets.
func (g *Graph) Contains(tsk types.TipSetKey) bool {
	g.lk.RLock()
	defer g.lk.RUnlock()
	_, ok := g.nodes[tsk]
	return ok
}

// GetTipSet returns the tipset and its weight if present.
func (g *Graph) GetTipSet(tsk types.TipSetKey) (*types.TipSet, types.BigInt, error) {
	g.lk.RLock()
	defer g.lk.RUnlock()
	n, ok := g.nodes[tsk]
	if !ok {
		return nil, types.EmptyInt, xerrors.Errorf("tipset %s: %w", tsk, ErrUnknownTipSet)
	}
	return n.ts, n.weight, nil
}

// TipSetsAtEpoch returns all known tipsets at the given epoch.
func (g *Graph) TipSetsAtEpoch(epoch abi.ChainEpoch) []*types.TipSet {
	g.lk.RLock()
	defer g.lk.RUnlock()

	out := make([]*types.TipSet, 0, len(g.byEpoch[epoch]))
	for _, k := range g.byEpoch[epoch] {
		out = append(out, g.nodes[k].ts)
	}
	return out
}

// Orphans returns the tipsets whose parent has not been inserted and which
// are not reachable from the anchor.
func (g *Graph) Orphans() []*types.TipSet {
	g.lk.RLock()
	defer g.lk.RUnlock()

	var out []*types.TipSet
	for _, n := range g.nodes {
		if n.attached {
			continue
		}
		if _, ok := g.nodes[n.ts.Parents()]; !ok {
			out = append(out, n.ts)
		}
	}
	sortByEpoch(out)
	return out
}

// Roots returns the minimal tipset of every connected component, the
// anchor's component included. Each node links to a single parent, so a
// component is a tree and its root is the one tipset whose parent is
// missing from the graph.
func (g *Graph) Roots() []*types.TipSet {
	g.lk.RLock()
	defer g.lk.RUnlock()

	var out []*types.TipSet
	for _, n := range g.nodes {
		if _, ok := g.nodes[n.ts.Parents()]; !ok {
			out = append(out, n.ts)
		}
	}
	sortByEpoch(out)
	return out
}

func sortByEpoch(tss []*types.TipSet) {
	sort.Slice(tss, func(i, j int) bool {
		if tss[i].Height() != tss[j].Height() {
			return tss[i].Height() < tss[j].Height()
		}
		return tss[i].Key().String() < tss[j].Key().String()
	})
}

// LoadTipSet resolves a key against the in-memory graph first, then the
// chain store.
func (g *Graph) LoadTipSet(ctx context.Context, tsk types.TipSetKey) (*types.TipSet, error) {
	g.lk.RLock()
	n, ok := g.nodes[tsk]
	g.lk.RUnlock()
	if ok {
		return n.ts, nil
	}

	return g.cs.LoadTipSet(ctx, tsk)
}
