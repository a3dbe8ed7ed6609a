// Package coordinator implements the transaction manager: the logical
// clock, transaction table, pending-operation set, instruction dispatch,
// available-copies routing, and global deadlock detection (spec.md §4.8–
// §4.10).
package coordinator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/ksakai/repcrec/lockmgr"
	"github.com/ksakai/repcrec/model"
	"github.com/ksakai/repcrec/site"
)

// Invalid-command errors (spec.md §7) — these surface to the driver and
// leave internal state untouched.
var (
	ErrUnknownTransaction  = errors.New("coordinator: unknown transaction")
	ErrDuplicateTransaction = errors.New("coordinator: transaction already exists")
	ErrBadSiteID            = errors.New("coordinator: site id out of range 1..10")
	ErrBadVariableID        = errors.New("coordinator: unknown variable id")
)

// Coordinator owns the simulation's global state. It is not safe for
// concurrent use — the simulator is single-threaded by design (spec.md §5).
type Coordinator struct {
	log *logrus.Logger

	clock model.Timestamp
	txns  map[model.TransactionID]*model.Transaction
	sites map[model.SiteID]*site.Site
	// placement maps a variable to every site that hosts it, computed once
	// at construction from the fixed schema (spec.md §3).
	placement map[model.VariableID][]model.SiteID
	pending   []model.Operation
}

// New builds a coordinator with ten sites pre-populated per spec.md §6.
func New(log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.New()
	}
	c := &Coordinator{
		log:       log,
		txns:      make(map[model.TransactionID]*model.Transaction),
		sites:     make(map[model.SiteID]*site.Site),
		placement: make(map[model.VariableID][]model.SiteID),
	}

	hosted := make(map[model.SiteID][]model.VariableID)
	for i := 1; i <= model.NumVariables; i++ {
		id := model.VariableID(fmt.Sprintf("x%d", i))
		hosts := model.HostSites(i)
		c.placement[id] = hosts
		for _, sID := range hosts {
			hosted[sID] = append(hosted[sID], id)
		}
	}
	for s := 1; s <= model.NumSites; s++ {
		sID := model.SiteID(s)
		c.sites[sID] = site.New(sID, hosted[sID])
	}
	return c
}

// Clock returns the current logical clock value.
func (c *Coordinator) Clock() model.Timestamp { return c.clock }

// Site returns the site with the given id, for tests.
func (c *Coordinator) Site(id model.SiteID) (*site.Site, bool) {
	s, ok := c.sites[id]
	return s, ok
}

// SiteIDs returns every site id in ascending order.
func (c *Coordinator) SiteIDs() []model.SiteID {
	ids := make([]model.SiteID, 0, len(c.sites))
	for id := range c.sites {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Instruction processes one parsed instruction end to end: deadlock
// detection, dispatch, drain, clock increment (spec.md §4.8). It is the
// single entry point the engine calls once per line that parsed
// successfully.
func (c *Coordinator) Instruction(in model.Instruction) error {
	if victim, aborted := c.detectAndAbortDeadlock(); aborted {
		c.log.Infof("deadlock detected; aborted %s (youngest among cycle)", victim)
		c.drainPending()
	}

	err := c.apply(in)
	if err != nil {
		c.log.Warnf("instruction %+v rejected: %v", in, err)
	}

	c.drainPending()
	c.clock++
	return err
}

func (c *Coordinator) apply(in model.Instruction) error {
	switch in.Op {
	case model.InstrBegin, model.InstrBeginRO:
		return c.begin(in.Tx, in.Op == model.InstrBeginRO)

	case model.InstrRead:
		if _, ok := c.txns[in.Tx]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, in.Tx)
		}
		if _, err := c.requireVariable(in.Var); err != nil {
			return err
		}
		// should_abort is only consulted at end (spec.md §4.8 step 2):
		// the operation is still enqueued and may still take locks that
		// block other transactions.
		c.pending = append(c.pending, model.Operation{Kind: model.OpRead, Tx: in.Tx, Var: in.Var})
		return nil

	case model.InstrWrite:
		if _, ok := c.txns[in.Tx]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, in.Tx)
		}
		if _, err := c.requireVariable(in.Var); err != nil {
			return err
		}
		c.pending = append(c.pending, model.Operation{Kind: model.OpWrite, Tx: in.Tx, Var: in.Var, Value: in.Value})
		return nil

	case model.InstrEnd:
		return c.end(in.Tx)

	case model.InstrFail:
		return c.fail(in.Site)

	case model.InstrRecover:
		return c.recover(in.Site)

	case model.InstrDump:
		c.dump()
		return nil

	default:
		return fmt.Errorf("coordinator: unrecognized instruction kind %v", in.Op)
	}
}

func (c *Coordinator) begin(id model.TransactionID, readOnly bool) error {
	if _, exists := c.txns[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, id)
	}
	c.txns[id] = model.NewTransaction(id, c.clock, readOnly)
	kind := "begin"
	if readOnly {
		kind = "beginRO"
	}
	c.log.Infof("%s(%s) at ts=%d", kind, id, c.clock)
	return nil
}

func (c *Coordinator) end(id model.TransactionID) error {
	tx, ok := c.txns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	delete(c.txns, id)
	c.discardPendingFor(id)

	if tx.ShouldAbort {
		for _, s := range c.sites {
			s.Abort(id)
		}
		c.log.Infof("abort(%s)", id)
		return nil
	}
	for sID := range tx.SitesTouched {
		if s, ok := c.sites[sID]; ok {
			s.Commit(id, c.clock)
		}
	}
	c.log.Infof("commit(%s) at ts=%d", id, c.clock)
	return nil
}

func (c *Coordinator) fail(sID model.SiteID) error {
	s, ok := c.sites[sID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadSiteID, sID)
	}
	if err := s.Fail(c.clock); err != nil {
		return err
	}
	for _, tx := range c.txns {
		if !tx.ReadOnly && tx.Touched(sID) {
			tx.ShouldAbort = true
		}
	}
	c.log.Infof("fail(%d) at ts=%d", sID, c.clock)
	return nil
}

func (c *Coordinator) recover(sID model.SiteID) error {
	s, ok := c.sites[sID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadSiteID, sID)
	}
	if err := s.Recover(c.clock); err != nil {
		return err
	}
	c.log.Infof("recover(%d) at ts=%d", sID, c.clock)
	return nil
}

func (c *Coordinator) requireVariable(v model.VariableID) ([]model.SiteID, error) {
	hosts, ok := c.placement[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBadVariableID, v)
	}
	return hosts, nil
}

func (c *Coordinator) discardPendingFor(id model.TransactionID) {
	kept := c.pending[:0:0]
	for _, op := range c.pending {
		if op.Tx != id {
			kept = append(kept, op)
		}
	}
	c.pending = kept
}

// drainPending implements spec.md §4.9: retry every pending operation
// once, removing those that complete.
func (c *Coordinator) drainPending() {
	snapshot := make([]model.Operation, len(c.pending))
	copy(snapshot, c.pending)

	var remaining []model.Operation
	for _, op := range snapshot {
		tx, ok := c.txns[op.Tx]
		if !ok {
			continue // transaction disappeared; discard
		}
		done := false
		switch op.Kind {
		case model.OpRead:
			done = c.tryRead(tx, op.Var)
		case model.OpWrite:
			done = c.tryWrite(tx, op.Var, op.Value)
		}
		if !done {
			remaining = append(remaining, op)
		}
	}
	c.pending = remaining
}

func (c *Coordinator) tryRead(tx *model.Transaction, v model.VariableID) bool {
	hosts := c.placement[v]
	if tx.ReadOnly {
		for _, sID := range hosts {
			s := c.sites[sID]
			if !s.Up() {
				continue
			}
			if r := s.ReadSnapshot(v, tx.BeginTS); r.OK {
				c.log.Infof("R(%s,%s) = %d [snapshot via site %d]", tx.ID, v, r.Value, sID)
				return true
			}
		}
		return false
	}

	for _, sID := range hosts {
		s := c.sites[sID]
		if !s.Up() {
			continue
		}
		if r := s.Read(tx.ID, v); r.OK {
			tx.TouchSite(sID)
			c.log.Infof("R(%s,%s) = %d [site %d]", tx.ID, v, r.Value, sID)
			return true
		}
	}
	return false
}

func (c *Coordinator) tryWrite(tx *model.Transaction, v model.VariableID, val int) bool {
	hosts := c.placement[v]
	var up []model.SiteID
	for _, sID := range hosts {
		if c.sites[sID].Up() {
			up = append(up, sID)
		}
	}
	if len(up) == 0 {
		return false
	}

	for _, sID := range up {
		if !c.sites[sID].CanGetWriteLock(tx.ID, v) {
			return false
		}
	}
	for _, sID := range up {
		c.sites[sID].Write(tx.ID, v, val)
		tx.TouchSite(sID)
	}
	c.log.Infof("W(%s,%s,%d) [sites %v]", tx.ID, v, val, up)
	return true
}

func (c *Coordinator) dump() {
	for _, sID := range c.SiteIDs() {
		s := c.sites[sID]
		status := "up"
		if !s.Up() {
			status = "down"
		}
		var values []string
		for _, v := range s.Vars() {
			values = append(values, fmt.Sprintf("%s:%d", v.ID, v.LatestCommit().Value))
		}
		c.log.Infof("site %d (%s): %v", sID, status, values)

		locks := s.Locks()
		ids := make([]model.VariableID, 0, len(locks))
		for id := range locks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		var lockDesc []string
		for _, id := range ids {
			l := locks[id]
			if l.Kind == model.LockRead {
				lockDesc = append(lockDesc, fmt.Sprintf("%s:R%v", id, readerList(l)))
			} else {
				lockDesc = append(lockDesc, fmt.Sprintf("%s:W(%s)", id, l.Writer))
			}
		}
		c.log.Infof("site %d locks: %v", sID, lockDesc)
	}
}

func readerList(l *lockmgr.Lock) []model.TransactionID {
	out := make([]model.TransactionID, 0, len(l.Readers))
	for tx := range l.Readers {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
