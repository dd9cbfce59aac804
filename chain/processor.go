package chain

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opencensus.io/stats"

	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/types"
	"github.com/strandproject/strand/metrics"
)

var (
	RecentSyncBufferSize = 10
	MaxSyncWorkers       = 5
	SyncWorkerHistory    = 3

	InitialSyncTimeThreshold = 15 * time.Minute
)

// SyncFunc drives one sync pass towards the given target tipset. getTarget
// is re-read between batches so a heavier target for the same chain can
// replace the current one mid-sync.
type SyncFunc func(ctx context.Context, getTarget func() *types.TipSet) error

// TipsetProcessor schedules candidate chain heads onto range sync workers.
//
// It receives candidate heads in the form of tipsets from the muxer,
// groups them by chain, deduplicates processing for already-active syncs
// and hands targets to workers.
type TipsetProcessor interface {
	// Start starts the TipsetProcessor.
	Start()

	// Stop stops the TipsetProcessor.
	Stop()

	// SetPeerHead informs the TipsetProcessor that the supplied peer
	// reported the supplied tipset. Blocks when the work queue is full.
	SetPeerHead(ctx context.Context, p peer.ID, ts *types.TipSet)

	// State retrieves the state of the sync workers.
	State() []SyncerStateSnapshot
}

type tipsetProcessor struct {
	ctx    context.Context
	cancel func()

	workq   chan peerHead
	statusq chan workerStatus

	nextWorker uint64
	pend       tipsetGroupSet
	deferred   tipsetGroupSet
	heads      map[peer.ID]*types.TipSet
	recent     *syncBuffer

	initialSyncDone bool

	mx    sync.Mutex
	state map[uint64]*workerState

	history  []*workerState
	historyI int

	doSync SyncFunc
}

var _ TipsetProcessor = (*tipsetProcessor)(nil)

type peerHead struct {
	// Note: this doesn't _necessarily_ mean that p's head is ts, just that ts is a tipset that p sent to us
	p  peer.ID
	ts *types.TipSet
}

type workerState struct {
	id uint64
	ss *SyncerState
	dt time.Duration

	mx sync.Mutex
	ts *types.TipSet
}

func (ws *workerState) Target() *types.TipSet {
	ws.mx.Lock()
	defer ws.mx.Unlock()
	return ws.ts
}

// UpdateTarget swaps the worker's target for a strictly heavier tipset on
// the same chain. The worker picks it up at its next batch boundary,
// keeping all completed work.
func (ws *workerState) UpdateTarget(ts *types.TipSet) {
	ws.mx.Lock()
	defer ws.mx.Unlock()
	ws.ts = ts
}

type workerStatus struct {
	id  uint64
	err error
}

func NewTipsetProcessor(sync SyncFunc) TipsetProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &tipsetProcessor{
		ctx:    ctx,
		cancel: cancel,

		workq:   make(chan peerHead),
		statusq: make(chan workerStatus),

		heads:   make(map[peer.ID]*types.TipSet),
		state:   make(map[uint64]*workerState),
		recent:  newSyncBuffer(RecentSyncBufferSize),
		history: make([]*workerState, SyncWorkerHistory),

		doSync: sync,
	}
}

func (tp *tipsetProcessor) Start() {
	go tp.scheduler()
}

func (tp *tipsetProcessor) Stop() {
	select {
	case <-tp.ctx.Done():
	default:
		tp.cancel()
	}
}

func (tp *tipsetProcessor) SetPeerHead(ctx context.Context, p peer.ID, ts *types.TipSet) {
	stats.Record(ctx, metrics.PeerHeadsReceived.M(1))
	select {
	case tp.workq <- peerHead{p: p, ts: ts}:
	case <-tp.ctx.Done():
	case <-ctx.Done():
	}
}

func (tp *tipsetProcessor) State() []SyncerStateSnapshot {
	tp.mx.Lock()
	workerStates := make([]*workerState, 0, len(tp.state)+len(tp.history))
	for _, ws := range tp.state {
		workerStates = append(workerStates, ws)
	}
	for _, ws := range tp.history {
		if ws != nil {
			workerStates = append(workerStates, ws)
		}
	}
	tp.mx.Unlock()

	sort.Slice(workerStates, func(i, j int) bool {
		return workerStates[i].id < workerStates[j].id
	})

	result := make([]SyncerStateSnapshot, 0, len(workerStates))
	for _, ws := range workerStates {
		result = append(result, ws.ss.Snapshot())
	}

	return result
}

// processor internals

func (tp *tipsetProcessor) scheduler() {
	ticker := build.Clock.Ticker(time.Minute)
	tickerC := ticker.C
	for {
		select {
		case head := <-tp.workq:
			tp.handlePeerHead(head)
		case status := <-tp.statusq:
			tp.handleWorkerStatus(status)
		case <-tickerC:
			if tp.initialSyncDone {
				ticker.Stop()
				tickerC = nil
				tp.handleInitialSyncDone()
			}
		case <-tp.ctx.Done():
			ticker.Stop()
			return
		}
	}
}

func (tp *tipsetProcessor) handlePeerHead(head peerHead) {
	log.Debugf("new peer head: %s %s", head.p, head.ts)

	// have we started syncing yet?
	if tp.nextWorker == 0 {
		// track the peer head until we start syncing
		tp.heads[head.p] = head.ts

		// not yet; do we have enough peers?
		if len(tp.heads) < build.BootstrapPeerThreshold {
			log.Debugw("not tracking enough peers to start sync worker", "have", len(tp.heads), "need", build.BootstrapPeerThreshold)
			return
		}

		// we are ready to start syncing; select the sync target and spawn a worker
		target := tp.selectInitialSyncTarget()
		if target == nil {
			log.Error("failed to select initial sync target")
			return
		}

		log.Infof("selected initial sync target: %s", target)
		tp.spawnWorker(target)
		return
	}

	// we have started syncing, add peer head to the queue if applicable and
	// maybe spawn a worker if there is work to do (possibly in a fork)
	target, work := tp.addSyncTarget(head.ts)
	if work {
		log.Infof("selected sync target: %s", target)
		tp.spawnWorker(target)
	}
}

func (tp *tipsetProcessor) handleWorkerStatus(status workerStatus) {
	log.Debugf("worker %d done; status error: %v", status.id, status.err)

	tp.mx.Lock()
	ws := tp.state[status.id]
	delete(tp.state, status.id)

	// we track the last few workers for debug purposes
	tp.history[tp.historyI] = ws
	tp.historyI++
	tp.historyI %= len(tp.history)
	tp.mx.Unlock()

	if status.err != nil {
		// we failed to sync this target; try to work on an extended chain
		// if there is nothing related to be worked on, we stop working on this chain.
		log.Errorf("error during sync in %s: %s", ws.Target(), status.err)
	} else {
		// add to the recently synced buffer
		tp.recent.Push(ws.Target())
		// if we are still in initial sync and this was fast enough, mark the end of the initial sync
		if !tp.initialSyncDone && ws.dt < InitialSyncTimeThreshold {
			tp.initialSyncDone = true
		}
	}

	// we are done with this target, select the next sync target and spawn a
	// worker if there is work to do, because of an extension of this chain.
	target, work := tp.selectSyncTarget(ws.Target())
	if work {
		log.Infof("selected sync target: %s", target)
		tp.spawnWorker(target)
	}
}

func (tp *tipsetProcessor) handleInitialSyncDone() {
	// we have just finished the initial sync; spawn some additional workers
	// in deferred syncs as needed (and up to MaxSyncWorkers) to ramp up
	for len(tp.state) < MaxSyncWorkers {
		target, work := tp.selectDeferredSyncTarget()
		if !work {
			return
		}

		log.Infof("selected deferred sync target: %s", target)
		tp.spawnWorker(target)
	}
}

func (tp *tipsetProcessor) spawnWorker(target *types.TipSet) {
	id := tp.nextWorker
	tp.nextWorker++
	ws := &workerState{
		id: id,
		ts: target,
		ss: new(SyncerState),
	}
	ws.ss.data.WorkerID = id

	tp.mx.Lock()
	tp.state[id] = ws
	tp.mx.Unlock()

	go tp.worker(ws)
}

func (tp *tipsetProcessor) worker(ws *workerState) {
	log.Infof("worker %d syncing in %s", ws.id, ws.Target())

	start := build.Clock.Now()

	ctx := context.WithValue(tp.ctx, syncStateKey{}, ws.ss)
	err := tp.doSync(ctx, ws.Target)

	ws.dt = build.Clock.Since(start)
	log.Infof("worker %d done; took %s", ws.id, ws.dt)
	select {
	case tp.statusq <- workerStatus{id: ws.id, err: err}:
	case <-tp.ctx.Done():
	}
}

// selects the initial sync target by examining known peer heads; only
// called once, for the initial sync.
func (tp *tipsetProcessor) selectInitialSyncTarget() *types.TipSet {
	var groups tipsetGroupSet

	var peerHeads []*types.TipSet
	for _, ts := range tp.heads {
		peerHeads = append(peerHeads, ts)
	}
	// clear the map, we don't use it any longer
	tp.heads = nil

	sort.Slice(peerHeads, func(i, j int) bool {
		return peerHeads[i].Height() < peerHeads[j].Height()
	})

	for _, ts := range peerHeads {
		groups.Insert(ts)
	}

	if len(groups.groups) > 1 {
		log.Warn("caution, multiple distinct chains seen during head selections")
	}

	return groups.Heaviest()
}

// adds a tipset to the potential sync targets; returns true if there is a
// tipset to work on. This could be either a restart, eg because there is no
// currently scheduled sync work or a worker failed, or a potential fork.
func (tp *tipsetProcessor) addSyncTarget(ts *types.TipSet) (*types.TipSet, bool) {
	// Note: we don't need the state lock here to access the active worker
	//       states, as the only competing threads that may access it do so
	//       through State() which is read only.

	// if we have recently synced this or any heavier tipset we just ignore
	// it; this can happen with an empty worker set after we just finished
	// syncing to a target
	if tp.recent.Synced(ts) {
		return nil, false
	}

	// if the worker set is empty, we have finished syncing and were waiting
	// for the next tipset; just return it as work to be done
	if len(tp.state) == 0 {
		return ts, true
	}

	// check if it is related to any active sync; if so either preempt the
	// worker with the heavier target or queue it as pending
	for _, ws := range tp.state {
		wts := ws.Target()
		if ts.Equals(wts) {
			// ignore it, we are already syncing it
			return nil, false
		}

		if ts.Parents() == wts.Key() {
			// it directly extends an active sync; move the worker's goal
			// post instead of scheduling a second pass
			ws.UpdateTarget(ts)
			return nil, false
		}

		if sameChain(wts, ts) && isHeavier(ts, wts) {
			ws.UpdateTarget(ts)
			return nil, false
		}
	}

	// check to see if it is related to any pending sync; if so insert it
	// into the pending sync queue
	if tp.pend.RelatedToAny(ts) {
		tp.pend.Insert(ts)
		return nil, false
	}

	// it's not related to any active or pending sync; this could be a fork
	// in which case we start a new worker to sync it, if it is *heavier*
	// than any active or pending set; if it is not, we ignore it.
	for _, ws := range tp.state {
		if isHeavier(ws.Target(), ts) {
			return nil, false
		}
	}

	pendHeaviest := tp.pend.Heaviest()
	if pendHeaviest != nil && isHeavier(pendHeaviest, ts) {
		return nil, false
	}

	// if we have not finished the initial sync or have too many workers,
	// add it to the deferred queue; it will be processed once a worker is
	// freed from syncing a chain (or the initial sync finishes)
	if !tp.initialSyncDone || len(tp.state) >= MaxSyncWorkers {
		log.Debugf("deferring sync on %s", ts)
		tp.deferred.Insert(ts)
		return nil, false
	}

	// start a new worker, seems heavy enough and unrelated to active or
	// pending syncs
	return ts, true
}

// selects the next sync target after a worker sync has finished; returns
// true and a target TipSet if this chain should continue to sync because
// there is a heavier related tipset.
func (tp *tipsetProcessor) selectSyncTarget(done *types.TipSet) (*types.TipSet, bool) {
	// we pop the related group and if there is any related tipset, we work
	// on the heaviest one next if we are not already working on a heavier
	// tipset
	related := tp.pend.PopRelated(done)
	if related == nil {
		return tp.selectDeferredSyncTarget()
	}

	heaviest := related.heaviestTipSet()
	if isHeavier(done, heaviest) {
		return tp.selectDeferredSyncTarget()
	}

	for _, ws := range tp.state {
		if isHeavier(ws.Target(), heaviest) {
			return tp.selectDeferredSyncTarget()
		}
	}

	if tp.recent.Synced(heaviest) {
		return tp.selectDeferredSyncTarget()
	}

	return heaviest, true
}

// selects a deferred sync target if there is any; these are sync targets
// that were not related to active syncs and were deferred because there
// were too many workers running.
func (tp *tipsetProcessor) selectDeferredSyncTarget() (*types.TipSet, bool) {
deferredLoop:
	for !tp.deferred.Empty() {
		group := tp.deferred.Pop()
		heaviest := group.heaviestTipSet()

		if tp.recent.Synced(heaviest) {
			// we have synced it or something heavier recently, skip it
			continue deferredLoop
		}

		if tp.pend.RelatedToAny(heaviest) {
			// this has converged to a pending sync, insert it to the pending queue
			tp.pend.Insert(heaviest)
			continue deferredLoop
		}

		for _, ws := range tp.state {
			wts := ws.Target()
			if wts.Equals(heaviest) || isHeavier(wts, heaviest) {
				// we have converged and are already syncing it or we are
				// syncing on something heavier; pop the next deferred group
				continue deferredLoop
			}

			if heaviest.Parents() == wts.Key() {
				// we have converged and we are syncing its parent; insert
				// it to the pending queue
				tp.pend.Insert(heaviest)
				continue deferredLoop
			}
		}

		return heaviest, true
	}

	return nil, false
}

func isHeavier(a, b *types.TipSet) bool {
	return a.ParentWeight().GreaterThan(b.ParentWeight())
}

// sameChain reports whether two tipsets are adjacent links of one chain or
// siblings at the same epoch with shared parents.
func sameChain(a, b *types.TipSet) bool {
	if a.Equals(b) {
		return true
	}
	if a.Key() == b.Parents() || b.Key() == a.Parents() {
		return true
	}
	return a.Height() == b.Height() && a.Parents() == b.Parents()
}

// sync buffer -- this is a circular buffer of recently synced tipsets
type syncBuffer struct {
	buf  []*types.TipSet
	next int
}

func newSyncBuffer(size int) *syncBuffer {
	return &syncBuffer{buf: make([]*types.TipSet, size)}
}

func (sb *syncBuffer) Push(ts *types.TipSet) {
	sb.buf[sb.next] = ts
	sb.next++
	sb.next %= len(sb.buf)
}

func (sb *syncBuffer) Synced(ts *types.TipSet) bool {
	for _, rts := range sb.buf {
		if rts != nil && (rts.Equals(ts) || isHeavier(rts, ts)) {
			return true
		}
	}

	return false
}

// tipset groups and related utilities

// tipsetGroupSet clusters candidate sync targets into groups of related
// tipsets, one group per chain.
type tipsetGroupSet struct {
	groups []*tipsetGroup
}

// tipsetGroup holds candidate targets belonging to the same chain. Within
// one (epoch, parents) slot only the heaviest candidate is kept.
type tipsetGroup struct {
	tips []*types.TipSet
}

func newTipsetGroup(tipsets ...*types.TipSet) *tipsetGroup {
	var tg tipsetGroup
	for _, ts := range tipsets {
		tg.add(ts)
	}
	return &tg
}

func (tgs *tipsetGroupSet) String() string {
	var gStrings []string
	for _, g := range tgs.groups {
		var tsStrings []string
		for _, t := range g.tips {
			tsStrings = append(tsStrings, t.String())
		}
		gStrings = append(gStrings, "["+strings.Join(tsStrings, ",")+"]")
	}

	return "{" + strings.Join(gStrings, ";") + "}"
}

func (tgs *tipsetGroupSet) RelatedToAny(ts *types.TipSet) bool {
	for _, g := range tgs.groups {
		if g.sameChainAs(ts) {
			return true
		}
	}
	return false
}

func (tgs *tipsetGroupSet) Insert(ts *types.TipSet) {
	for _, g := range tgs.groups {
		if g.sameChainAs(ts) {
			g.add(ts)
			return
		}
	}
	tgs.groups = append(tgs.groups, newTipsetGroup(ts))
}

func (tgs *tipsetGroupSet) Pop() *tipsetGroup {
	var bestGroup *tipsetGroup
	var bestTs *types.TipSet
	for _, g := range tgs.groups {
		hts := g.heaviestTipSet()
		if bestGroup == nil || bestTs.ParentWeight().LessThan(hts.ParentWeight()) {
			bestGroup = g
			bestTs = hts
		}
	}

	tgs.removeGroup(bestGroup)

	return bestGroup
}

func (tgs *tipsetGroupSet) removeGroup(toremove *tipsetGroup) {
	ngroups := make([]*tipsetGroup, 0, len(tgs.groups)-1)
	for _, g := range tgs.groups {
		if g != toremove {
			ngroups = append(ngroups, g)
		}
	}
	tgs.groups = ngroups
}

func (tgs *tipsetGroupSet) PopRelated(ts *types.TipSet) *tipsetGroup {
	var out *tipsetGroup
	for _, g := range tgs.groups {
		if g.sameChainAs(ts) {
			tgs.removeGroup(g)
			if out == nil {
				out = &tipsetGroup{}
			}
			out.tips = append(out.tips, g.tips...)
		}
	}
	return out
}

func (tgs *tipsetGroupSet) Heaviest() *types.TipSet {
	var bestTs *types.TipSet
	for _, g := range tgs.groups {
		ghts := g.heaviestTipSet()
		if bestTs == nil || ghts.ParentWeight().GreaterThan(bestTs.ParentWeight()) {
			bestTs = ghts
		}
	}
	return bestTs
}

func (tgs *tipsetGroupSet) Empty() bool {
	return len(tgs.groups) == 0
}

func (tg *tipsetGroup) sameChainAs(ts *types.TipSet) bool {
	for _, t := range tg.tips {
		if sameChain(t, ts) {
			return true
		}
	}
	return false
}

func (tg *tipsetGroup) add(ts *types.TipSet) {
	for i, t := range tg.tips {
		if t.Equals(ts) {
			return
		}
		if t.Height() == ts.Height() && t.Parents() == ts.Parents() {
			// same (epoch, parents) slot; the heavier candidate wins
			if isHeavier(ts, t) {
				tg.tips[i] = ts
			}
			return
		}
	}

	tg.tips = append(tg.tips, ts)
}

func (tg *tipsetGroup) heaviestTipSet() *types.TipSet {
	if tg == nil {
		return nil
	}

	var best *types.TipSet
	for _, ts := range tg.tips {
		if best == nil || ts.ParentWeight().GreaterThan(best.ParentWeight()) {
			best = ts
		}
	}
	return best
}
