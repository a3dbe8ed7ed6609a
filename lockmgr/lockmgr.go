// Package lockmgr implements the per-variable lock manager: one current
// lock plus a FIFO wait queue, with the promotion and dedup rules spec.md
// §4.1/§4.2/§9 describe.
//
// Unlike a typical concurrent lock table, there is no mutex here and no
// blocking: the simulator is single-threaded, and a request that cannot be
// granted immediately is recorded in the queue as data and retried by the
// coordinator on a later instruction (spec.md §5). This mirrors
// _examples/original_source/Locks.py's VarLockManager far more closely
// than a goroutine-based lock table would.
package lockmgr

import (
	"errors"
	"fmt"

	"github.com/ksakai/repcrec/model"
)

// ErrShareNonRead is an internal invariant violation: share_read was
// called while the current lock is absent or exclusive.
var ErrShareNonRead = errors.New("lockmgr: cannot share a non-read lock")

// Lock is the current lock held on a variable: either a read lock shared
// by a set of holders, or a write lock held by exactly one transaction.
type Lock struct {
	Kind    model.LockKind
	Readers map[model.TransactionID]struct{} // populated iff Kind == LockRead
	Writer  model.TransactionID              // populated iff Kind == LockWrite
}

// Request is a queued lock request.
type Request struct {
	Tx   model.TransactionID
	Kind model.LockKind
}

// Manager is the lock manager for a single variable.
type Manager struct {
	Var     model.VariableID
	current *Lock
	queue   []Request
}

// New creates a lock manager for the given variable with no current lock
// and an empty queue.
func New(id model.VariableID) *Manager {
	return &Manager{Var: id}
}

// Current returns the held lock, or nil if none.
func (m *Manager) Current() *Lock {
	return m.current
}

// Queue returns the wait queue in FIFO order. Callers must not mutate the
// returned slice.
func (m *Manager) Queue() []Request {
	return m.queue
}

// HasQueuedWrite reports whether any queued request is a write,
// optionally excluding one transaction's own queued write.
func (m *Manager) HasQueuedWrite(except model.TransactionID) bool {
	for _, r := range m.queue {
		if r.Kind != model.LockWrite {
			continue
		}
		if except != "" && r.Tx == except {
			continue
		}
		return true
	}
	return false
}

// Enqueue appends req to the wait queue, applying the asymmetric dedup
// rule from spec.md §9: a new read request is suppressed by *any* prior
// queued entry of the same transaction (read or write); a new write
// request is suppressed only by a prior queued *write* of the same
// transaction.
func (m *Manager) Enqueue(req Request) {
	for _, existing := range m.queue {
		if existing.Tx != req.Tx {
			continue
		}
		if existing.Kind == req.Kind || req.Kind == model.LockRead {
			return
		}
	}
	m.queue = append(m.queue, req)
}

// ShareRead adds tx to the holder set of the current read lock. The
// current lock must already be a read lock — sharing a write lock, or
// sharing with no current lock, is an internal invariant violation.
func (m *Manager) ShareRead(tx model.TransactionID) {
	if m.current == nil || m.current.Kind != model.LockRead {
		panic(fmt.Errorf("%w: variable %s", ErrShareNonRead, m.Var))
	}
	m.current.Readers[tx] = struct{}{}
}

// ReleaseHolder removes tx's hold on the current lock. For a read lock,
// tx is dropped from the holder set and the lock clears once the set is
// empty. For a write lock held by tx, the lock clears unconditionally.
// No-op if tx does not hold the current lock.
func (m *Manager) ReleaseHolder(tx model.TransactionID) {
	if m.current == nil {
		return
	}
	switch m.current.Kind {
	case model.LockRead:
		if _, ok := m.current.Readers[tx]; ok {
			delete(m.current.Readers, tx)
			if len(m.current.Readers) == 0 {
				m.current = nil
			}
		}
	case model.LockWrite:
		if m.current.Writer == tx {
			m.current = nil
		}
	}
}

// RemoveQueued drops every queued request by tx (used on abort).
func (m *Manager) RemoveQueued(tx model.TransactionID) {
	kept := m.queue[:0:0]
	for _, r := range m.queue {
		if r.Tx != tx {
			kept = append(kept, r)
		}
	}
	m.queue = kept
}

// Reset clears the current lock and the wait queue (used on site
// failure, spec.md §4.6).
func (m *Manager) Reset() {
	m.current = nil
	m.queue = nil
}

// InstallWrite sets the current lock to a fresh write lock held by tx.
// This both grants an uncontended write and realizes lock promotion
// (spec.md §4.4, §9) when the prior current was a read lock solely held
// by tx — the caller (site.write) is responsible for verifying that
// precondition; InstallWrite itself just overwrites current.
func (m *Manager) InstallWrite(tx model.TransactionID) {
	m.current = &Lock{Kind: model.LockWrite, Writer: tx}
}

// InstallRead sets the current lock to a fresh read lock held solely by
// tx. Used when current is nil and tx is granted a new read.
func (m *Manager) InstallRead(tx model.TransactionID) {
	m.current = &Lock{Kind: model.LockRead, Readers: map[model.TransactionID]struct{}{tx: {}}}
}

// AdvanceQueue implements the promotion/sharing rule of spec.md §4.2.
// Called after any release.
func (m *Manager) AdvanceQueue() {
	if m.current == nil {
		if len(m.queue) == 0 {
			return
		}
		head := m.popFront()
		if head.Kind == model.LockRead {
			m.InstallRead(head.Tx)
		} else {
			m.InstallWrite(head.Tx)
		}
	}

	if m.current == nil || m.current.Kind != model.LockRead {
		return
	}

	for len(m.queue) > 0 {
		head := m.queue[0]
		if head.Kind == model.LockRead {
			m.popFront()
			m.current.Readers[head.Tx] = struct{}{}
			continue
		}
		// head is a write request: promote only if it belongs to the
		// sole current read holder.
		if len(m.current.Readers) == 1 {
			if _, solelyHeld := m.current.Readers[head.Tx]; solelyHeld {
				m.popFront()
				m.current = &Lock{Kind: model.LockWrite, Writer: head.Tx}
				return
			}
		}
		return
	}
}

func (m *Manager) popFront() Request {
	head := m.queue[0]
	m.queue = m.queue[1:]
	return head
}
