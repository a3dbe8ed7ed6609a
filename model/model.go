// Package model holds the value types shared between the lock manager,
// the per-site data manager, and the coordinator. Nothing in this package
// mutates shared state beyond the receiver itself.
package model

import "fmt"

// VariableID identifies a variable, e.g. "x7".
type VariableID string

// SiteID identifies a site in 1..10.
type SiteID int

// TransactionID identifies a transaction. Arbitrary identifier supplied by
// the instruction stream (e.g. "T1").
type TransactionID string

// Timestamp is a snapshot of the coordinator's logical clock.
type Timestamp int64

// CommitRecord is one entry in a variable's commit history.
type CommitRecord struct {
	Value    int
	CommitTS Timestamp
}

// TempWrite is the uncommitted value written by the current write-lock
// holder of a variable, if any.
type TempWrite struct {
	Value  int
	Writer TransactionID
}

// Variable is one site's copy of a logical variable. Even-indexed
// variables are replicated across every site; odd-indexed variables live
// at exactly one site (see HostSites).
type Variable struct {
	ID           VariableID
	Replicated   bool
	History      []CommitRecord // strictly increasing by CommitTS, never empty, append-only
	Temp         *TempWrite
	Readable     bool
}

// LatestCommit returns the most recent commit record. Panics if History is
// empty, which is an internal invariant violation (spec.md §8 invariant 1).
func (v *Variable) LatestCommit() CommitRecord {
	if len(v.History) == 0 {
		panic(fmt.Sprintf("model: variable %s has empty commit history", v.ID))
	}
	return v.History[len(v.History)-1]
}

// LockKind distinguishes a read lock from a write lock.
type LockKind int

const (
	LockRead LockKind = iota
	LockWrite
)

func (k LockKind) String() string {
	if k == LockRead {
		return "R"
	}
	return "W"
}

// OpKind distinguishes a pending read from a pending write.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

// Operation is a pending read or write the coordinator is trying to
// complete. Write carries a Value; Read does not use it.
type Operation struct {
	Kind  OpKind
	Tx    TransactionID
	Var   VariableID
	Value int
}

// Transaction is the coordinator's view of a running transaction.
type Transaction struct {
	ID           TransactionID
	BeginTS      Timestamp
	ReadOnly     bool
	ShouldAbort  bool
	SitesTouched map[SiteID]struct{}
}

// NewTransaction creates a transaction that has touched no sites yet.
func NewTransaction(id TransactionID, beginTS Timestamp, readOnly bool) *Transaction {
	return &Transaction{
		ID:           id,
		BeginTS:      beginTS,
		ReadOnly:     readOnly,
		SitesTouched: make(map[SiteID]struct{}),
	}
}

// TouchSite records that tx has accessed a site (write, or successful read).
func (t *Transaction) TouchSite(s SiteID) {
	t.SitesTouched[s] = struct{}{}
}

// Touched reports whether the transaction has ever accessed site s.
func (t *Transaction) Touched(s SiteID) bool {
	_, ok := t.SitesTouched[s]
	return ok
}

// InstrKind distinguishes the instruction-stream verbs of spec.md §6.1.
type InstrKind int

const (
	InstrBegin InstrKind = iota
	InstrBeginRO
	InstrRead
	InstrWrite
	InstrEnd
	InstrFail
	InstrRecover
	InstrDump
)

// Instruction is one parsed line of the instruction stream.
type Instruction struct {
	Op    InstrKind
	Tx    TransactionID
	Var   VariableID
	Value int
	Site  SiteID
}

// Result is the outcome of a read or write attempt against a site. It is
// not an error — operational failure (lock contention, unreadable
// snapshot) is a normal, expected outcome under available-copies
// semantics (spec.md §7).
type Result struct {
	OK    bool
	Value int
}

// Ok builds a successful Result.
func Ok(value int) Result { return Result{OK: true, Value: value} }

// Fail builds a failed Result.
func Fail() Result { return Result{OK: false} }
