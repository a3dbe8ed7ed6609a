// Package site implements the per-site data manager: lock-mediated reads
// and writes, commit/abort, fail/recover, and the local waits-for graph
// (spec.md §4.3–§4.7).
package site

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ksakai/repcrec/lockmgr"
	"github.com/ksakai/repcrec/model"
)

// ErrSiteDown names the site-down condition. No function of this package
// returns it: Read and ReadSnapshot on a down site report a failed
// model.Result instead.
var ErrSiteDown = errors.New("site: site is down")

// ErrAlreadyUp is a usage error: recovering a site that is already up.
var ErrAlreadyUp = errors.New("site: site is already up")

// ErrAlreadyDown is a usage error: failing a site that is already down.
var ErrAlreadyDown = errors.New("site: site is already down")

// ErrQueuedAtCommit is an internal invariant violation: a transaction
// reached commit with a request still queued on one of its variables.
var ErrQueuedAtCommit = errors.New("site: transaction has queued requests at commit time")

// Site owns a subset of variables, their per-variable lock managers, and
// its own up/down status.
type Site struct {
	ID SiteID

	up    bool
	vars  map[model.VariableID]*model.Variable
	locks map[model.VariableID]*lockmgr.Manager

	failTimes    []model.Timestamp
	recoverTimes []model.Timestamp
}

// SiteID is re-exported from model for readability within this package.
type SiteID = model.SiteID

// New creates a site that hosts the given variables, each pre-populated
// with commit value 10*i at commit_ts 0 (spec.md §6 "Initial data").
func New(id SiteID, hosted []model.VariableID) *Site {
	s := &Site{
		ID:    id,
		up:    true,
		vars:  make(map[model.VariableID]*model.Variable),
		locks: make(map[model.VariableID]*lockmgr.Manager),
	}
	for _, v := range hosted {
		i, err := model.VarIndex(v)
		if err != nil {
			panic(err)
		}
		s.vars[v] = &model.Variable{
			ID:         v,
			Replicated: model.IsReplicated(i),
			History:    []model.CommitRecord{{Value: 10 * i, CommitTS: 0}},
			Readable:   true,
		}
		s.locks[v] = lockmgr.New(v)
	}
	return s
}

// Up reports whether the site is currently up.
func (s *Site) Up() bool { return s.up }

// Hosts reports whether this site is in the variable's placement set.
func (s *Site) Hosts(v model.VariableID) bool {
	_, ok := s.vars[v]
	return ok
}

// Read implements spec.md §4.3's ordinary (lock-based) read path.
func (s *Site) Read(tx model.TransactionID, v model.VariableID) model.Result {
	if !s.up {
		return model.Fail()
	}
	vr, ok := s.vars[v]
	if !ok {
		return model.Fail()
	}
	if !vr.Readable {
		return model.Fail()
	}

	lm := s.locks[v]
	cur := lm.Current()

	switch {
	case cur == nil:
		lm.InstallRead(tx)
		return model.Ok(vr.LatestCommit().Value)

	case cur.Kind == model.LockRead:
		if _, held := cur.Readers[tx]; held {
			return model.Ok(vr.LatestCommit().Value)
		}
		if !lm.HasQueuedWrite("") {
			lm.ShareRead(tx)
			return model.Ok(vr.LatestCommit().Value)
		}
		lm.Enqueue(lockmgr.Request{Tx: tx, Kind: model.LockRead})
		return model.Fail()

	default: // write lock
		if cur.Writer == tx {
			if vr.Temp != nil && vr.Temp.Writer == tx {
				return model.Ok(vr.Temp.Value)
			}
			return model.Ok(vr.LatestCommit().Value)
		}
		lm.Enqueue(lockmgr.Request{Tx: tx, Kind: model.LockRead})
		return model.Fail()
	}
}

// ReadSnapshot implements spec.md §4.3's multiversion snapshot read for
// read-only transactions. No lock is taken.
func (s *Site) ReadSnapshot(v model.VariableID, beginTS model.Timestamp) model.Result {
	if !s.up {
		return model.Fail()
	}
	vr, ok := s.vars[v]
	if !ok {
		return model.Fail()
	}
	if !vr.Readable {
		return model.Fail()
	}

	for i := len(vr.History) - 1; i >= 0; i-- {
		c := vr.History[i]
		if c.CommitTS > beginTS {
			continue
		}
		if vr.Replicated {
			for _, f := range s.failTimes {
				if c.CommitTS < f && f <= beginTS {
					return model.Fail()
				}
			}
		}
		return model.Ok(c.Value)
	}
	return model.Fail()
}

// CanGetWriteLock implements the write-path probe of spec.md §4.4.
func (s *Site) CanGetWriteLock(tx model.TransactionID, v model.VariableID) bool {
	lm := s.locks[v]
	cur := lm.Current()

	switch {
	case cur == nil:
		return true

	case cur.Kind == model.LockRead:
		if len(cur.Readers) == 1 {
			if _, solelyHeld := cur.Readers[tx]; solelyHeld {
				if lm.HasQueuedWrite(tx) {
					lm.Enqueue(lockmgr.Request{Tx: tx, Kind: model.LockWrite})
					return false
				}
				return true
			}
		}
		lm.Enqueue(lockmgr.Request{Tx: tx, Kind: model.LockWrite})
		return false

	default: // write lock
		if cur.Writer == tx {
			return true
		}
		lm.Enqueue(lockmgr.Request{Tx: tx, Kind: model.LockWrite})
		return false
	}
}

// Write implements spec.md §4.4's mutate phase. Always succeeds by
// contract: the coordinator must have already probed CanGetWriteLock on
// every target site.
func (s *Site) Write(tx model.TransactionID, v model.VariableID, val int) {
	vr := s.vars[v]
	vr.Temp = &model.TempWrite{Value: val, Writer: tx}
	s.locks[v].InstallWrite(tx)
}

// Commit implements spec.md §4.5.
func (s *Site) Commit(tx model.TransactionID, commitTS model.Timestamp) {
	var released []model.VariableID

	for id, lm := range s.locks {
		for _, q := range lm.Queue() {
			if q.Tx == tx {
				panic(fmt.Errorf("%w: site %d variable %s", ErrQueuedAtCommit, s.ID, id))
			}
		}
		cur := lm.Current()
		held := cur != nil && ((cur.Kind == model.LockRead && hasReader(cur, tx)) || (cur.Kind == model.LockWrite && cur.Writer == tx))
		if held {
			lm.ReleaseHolder(tx)
			released = append(released, id)
		}
	}

	for id, vr := range s.vars {
		if vr.Temp != nil && vr.Temp.Writer == tx {
			vr.History = append(vr.History, model.CommitRecord{Value: vr.Temp.Value, CommitTS: commitTS})
			vr.Temp = nil
			vr.Readable = true
			if !containsVar(released, id) {
				released = append(released, id)
			}
		}
	}

	for _, id := range released {
		s.locks[id].AdvanceQueue()
	}
}

// Abort implements spec.md §4.5.
func (s *Site) Abort(tx model.TransactionID) {
	var released []model.VariableID

	for id, lm := range s.locks {
		cur := lm.Current()
		held := cur != nil && ((cur.Kind == model.LockRead && hasReader(cur, tx)) || (cur.Kind == model.LockWrite && cur.Writer == tx))
		if held {
			lm.ReleaseHolder(tx)
			released = append(released, id)
		}
		lm.RemoveQueued(tx)
	}

	for _, vr := range s.vars {
		if vr.Temp != nil && vr.Temp.Writer == tx {
			vr.Temp = nil
		}
	}

	for _, id := range released {
		s.locks[id].AdvanceQueue()
	}
}

// Fail implements spec.md §4.6.
func (s *Site) Fail(ts model.Timestamp) error {
	if !s.up {
		return ErrAlreadyDown
	}
	s.failTimes = append(s.failTimes, ts)
	s.up = false
	for _, lm := range s.locks {
		lm.Reset()
	}
	return nil
}

// Recover implements spec.md §4.6.
func (s *Site) Recover(ts model.Timestamp) error {
	if s.up {
		return ErrAlreadyUp
	}
	s.recoverTimes = append(s.recoverTimes, ts)
	s.up = true
	for _, vr := range s.vars {
		if vr.Replicated {
			vr.Readable = false
		}
	}
	return nil
}

// WaitsFor returns this site's contribution to the global waits-for
// graph (spec.md §4.7). Keys and values are transaction ids; an edge
// a -> b means a waits for b.
func (s *Site) WaitsFor() map[model.TransactionID]map[model.TransactionID]struct{} {
	graph := make(map[model.TransactionID]map[model.TransactionID]struct{})
	addEdge := func(a, b model.TransactionID) {
		if a == b {
			return
		}
		if graph[a] == nil {
			graph[a] = make(map[model.TransactionID]struct{})
		}
		graph[a][b] = struct{}{}
	}

	// Deterministic iteration order keeps output/tests reproducible even
	// though the graph itself is order-independent.
	ids := make([]model.VariableID, 0, len(s.locks))
	for id := range s.locks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		lm := s.locks[id]
		cur := lm.Current()
		q := lm.Queue()
		if cur != nil {
			for _, r := range q {
				blocksEdges(cur, r, addEdge)
			}
		}
		for i := 0; i < len(q); i++ {
			for j := i + 1; j < len(q); j++ {
				blocksQueuedEdges(q[i], q[j], addEdge)
			}
		}
	}
	return graph
}

// blocksEdges implements B(current, queued) from spec.md §4.7.
func blocksEdges(cur *lockmgr.Lock, r lockmgr.Request, addEdge func(a, b model.TransactionID)) {
	switch {
	case cur.Kind == model.LockRead && r.Kind == model.LockWrite:
		if _, soleHolderIsWriter := cur.Readers[r.Tx]; soleHolderIsWriter && len(cur.Readers) == 1 {
			return
		}
		for holder := range cur.Readers {
			if holder != r.Tx {
				addEdge(holder, r.Tx)
			}
		}
	case cur.Kind == model.LockWrite && r.Kind == model.LockRead:
		if cur.Writer != r.Tx {
			addEdge(r.Tx, cur.Writer)
		}
	case cur.Kind == model.LockWrite && r.Kind == model.LockWrite:
		if cur.Writer != r.Tx {
			addEdge(r.Tx, cur.Writer)
		}
	}
}

// blocksQueuedEdges implements B(Q[i], Q[j]) from spec.md §4.7 — each
// queued request is treated as if it were "current" with a singleton
// holder set, per spec.md §4.7's note on queued reads.
func blocksQueuedEdges(left, right lockmgr.Request, addEdge func(a, b model.TransactionID)) {
	switch {
	case left.Kind == model.LockRead && right.Kind == model.LockWrite:
		if left.Tx != right.Tx {
			addEdge(left.Tx, right.Tx)
		}
	case left.Kind == model.LockWrite && right.Kind == model.LockRead:
		if left.Tx != right.Tx {
			addEdge(right.Tx, left.Tx)
		}
	case left.Kind == model.LockWrite && right.Kind == model.LockWrite:
		if left.Tx != right.Tx {
			addEdge(right.Tx, left.Tx)
		}
	}
}

func hasReader(l *lockmgr.Lock, tx model.TransactionID) bool {
	_, ok := l.Readers[tx]
	return ok
}

func containsVar(ids []model.VariableID, id model.VariableID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Vars returns the hosted variables, sorted by id, for diagnostics such
// as `dump`.
func (s *Site) Vars() []*model.Variable {
	ids := make([]model.VariableID, 0, len(s.vars))
	for id := range s.vars {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*model.Variable, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.vars[id])
	}
	return out
}

// Locks returns the current lock of each hosted variable that has one,
// keyed by variable id, for diagnostics such as `dump`. The map has no
// defined order; callers that print it sort the ids themselves.
func (s *Site) Locks() map[model.VariableID]*lockmgr.Lock {
	out := make(map[model.VariableID]*lockmgr.Lock)
	for id, lm := range s.locks {
		if lm.Current() != nil {
			out[id] = lm.Current()
		}
	}
	return out
}
