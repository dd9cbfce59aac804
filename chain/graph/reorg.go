package graph

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/strandproject/strand/chain/types"
)

const (
	HCRevert  = "revert"
	HCApply   = "apply"
	HCCurrent = "current"
)

// HeadChange is a single step in a head change stream. A reorg is delivered
// as the reverts back to the common ancestor followed by the applies up to
// the new head, so consumers never observe a gap.
type HeadChange struct {
	Type string
	Val  *types.TipSet
}

// ReorgNotifee is a callback registered with SubscribeHeadChanges. It is
// invoked from the reorg worker goroutine, in order, for every head change.
type ReorgNotifee func(revert, apply []*types.TipSet) error

type reorg struct {
	old *types.TipSet
	new *types.TipSet
}

func (g *Graph) reorgWorker(ctx context.Context) chan reorg {
	out := make(chan reorg, 32)

	var notifees []ReorgNotifee

	go func() {
		defer log.Warn("reorgWorker quit")

		for {
			select {
			case n := <-g.reorgNotifeeCh:
				notifees = append(notifees, n)

			case r := <-out:
				revert, apply, err := g.reorgOps(ctx, r.old, r.new)
				if err != nil {
					log.Error("computing reorg ops failed: ", err)
					continue
				}

				// reverse the apply array so it runs oldest first
				for i := len(apply)/2 - 1; i >= 0; i-- {
					opp := len(apply) - 1 - i
					apply[i], apply[opp] = apply[opp], apply[i]
				}

				for _, hcf := range notifees {
					if err := hcf(revert, apply); err != nil {
						log.Error("head change func errored (BAD): ", err)
					}
				}

				var outChanges []*HeadChange
				for _, ts := range revert {
					outChanges = append(outChanges, &HeadChange{
						Type: HCRevert,
						Val:  ts,
					})
				}
				for _, ts := range apply {
					outChanges = append(outChanges, &HeadChange{
						Type: HCApply,
						Val:  ts,
					})
				}

				g.bestTips.Pub(outChanges, "headchange")

			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// SubscribeHeadChanges registers a callback invoked on every head change.
func (g *Graph) SubscribeHeadChanges(f ReorgNotifee) {
	g.reorgNotifeeCh <- f
}

// SubHeadChanges returns a channel of head change batches, starting with
// the current head.
func (g *Graph) SubHeadChanges(ctx context.Context) chan []*HeadChange {
	g.lk.RLock()
	subch := g.bestTips.Sub("headchange")
	var head *types.TipSet
	if g.head != nil {
		head = g.head.ts
	}
	g.lk.RUnlock()

	out := make(chan []*HeadChange, 16)
	out <- []*HeadChange{{
		Type: HCCurrent,
		Val:  head,
	}}

	go func() {
		defer close(out)
		var unsubOnce sync.Once

		for {
			select {
			case val, ok := <-subch:
				if !ok {
					// unsubbed and channel drained
					return
				}

				select {
				case out <- val.([]*HeadChange):
				case <-ctx.Done():
				}

			case <-ctx.Done():
				unsubOnce.Do(func() {
					go g.bestTips.Unsub(subch)
				})
			}
		}
	}()

	return out
}

func (g *Graph) reorgOps(ctx context.Context, old, new *types.TipSet) ([]*types.TipSet, []*types.TipSet, error) {
	if old == nil {
		return nil, []*types.TipSet{new}, nil
	}
	return g.ReorgOps(ctx, old, new)
}

// ReorgOps walks both tipsets back to their common ancestor, returning the
// chain segments on either side. The left chain is the one to revert, the
// right chain the one to apply (newest first). It reads from the chain
// store, not the node map: headers are persisted before insertion, and the
// reorg worker must not take the graph lock.
func (g *Graph) ReorgOps(ctx context.Context, a, b *types.TipSet) ([]*types.TipSet, []*types.TipSet, error) {
	left := a
	right := b

	var leftChain, rightChain []*types.TipSet
	for !left.Equals(right) {
		if left.Height() > right.Height() {
			leftChain = append(leftChain, left)

			par, err := g.cs.LoadTipSet(ctx, left.Parents())
			if err != nil {
				return nil, nil, xerrors.Errorf("loading left parent %s: %w", left.Parents(), err)
			}

			left = par
		} else {
			rightChain = append(rightChain, right)

			par, err := g.cs.LoadTipSet(ctx, right.Parents())
			if err != nil {
				return nil, nil, xerrors.Errorf("loading right parent %s: %w", right.Parents(), err)
			}

			right = par
		}
	}

	return leftChain, rightChain, nil
}
