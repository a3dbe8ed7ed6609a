package lockmgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksakai/repcrec/lockmgr"
	"github.com/ksakai/repcrec/model"
)

func TestUncontendedReadThenShare(t *testing.T) {
	m := lockmgr.New("x1")
	require.Nil(t, m.Current())

	m.InstallRead("T1")
	require.NotNil(t, m.Current())
	assert.Equal(t, model.LockRead, m.Current().Kind)

	m.ShareRead("T2")
	assert.Len(t, m.Current().Readers, 2)
}

func TestEnqueueDedupAsymmetry(t *testing.T) {
	// A read is suppressed by *any* prior queued entry of the same tx,
	// including a prior write.
	m1 := lockmgr.New("x1")
	m1.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockWrite})
	m1.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockRead})
	assert.Len(t, m1.Queue(), 1, "a read is suppressed by any prior queued entry of the same tx")

	// A write is suppressed only by a prior queued write of the same tx;
	// a prior queued read does not suppress it.
	m2 := lockmgr.New("x2")
	m2.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockRead})
	m2.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockWrite})
	require.Len(t, m2.Queue(), 2, "a write enqueues even behind the same tx's prior queued read")

	// Duplicate read request is suppressed.
	m3 := lockmgr.New("x3")
	m3.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockRead})
	m3.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockRead})
	assert.Len(t, m3.Queue(), 1, "duplicate read request must be suppressed")

	// Duplicate write request is suppressed.
	m4 := lockmgr.New("x4")
	m4.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockWrite})
	m4.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockWrite})
	assert.Len(t, m4.Queue(), 1, "duplicate write request must be suppressed")
}

func TestAdvanceQueuePromotesSoleReadHolder(t *testing.T) {
	m := lockmgr.New("x1")
	m.InstallRead("T1")
	m.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockWrite})

	m.AdvanceQueue()

	require.NotNil(t, m.Current())
	assert.Equal(t, model.LockWrite, m.Current().Kind)
	assert.Equal(t, model.TransactionID("T1"), m.Current().Writer)
	assert.Empty(t, m.Queue())
}

func TestAdvanceQueueDoesNotPromoteForeignWrite(t *testing.T) {
	m := lockmgr.New("x1")
	m.InstallRead("T1")
	m.Enqueue(lockmgr.Request{Tx: "T2", Kind: model.LockWrite})

	m.AdvanceQueue()

	require.NotNil(t, m.Current())
	assert.Equal(t, model.LockRead, m.Current().Kind)
	require.Len(t, m.Queue(), 1, "T2's write must remain queued behind T1's read")
}

func TestAdvanceQueueCoalescesReadsUntilWrite(t *testing.T) {
	m := lockmgr.New("x1")
	m.InstallRead("T1")
	m.Enqueue(lockmgr.Request{Tx: "T2", Kind: model.LockRead})
	m.Enqueue(lockmgr.Request{Tx: "T3", Kind: model.LockWrite})
	m.Enqueue(lockmgr.Request{Tx: "T4", Kind: model.LockRead})

	m.AdvanceQueue()

	require.NotNil(t, m.Current())
	assert.Equal(t, model.LockRead, m.Current().Kind)
	assert.Len(t, m.Current().Readers, 2, "T2 coalesces onto the read lock")
	require.Len(t, m.Queue(), 2, "T3's write and T4's later read stay queued")
	assert.Equal(t, model.TransactionID("T3"), m.Queue()[0].Tx)
}

func TestAdvanceQueuePopsHeadWhenCurrentEmpty(t *testing.T) {
	m := lockmgr.New("x1")
	m.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockWrite})
	m.Enqueue(lockmgr.Request{Tx: "T2", Kind: model.LockRead})

	m.AdvanceQueue()

	require.NotNil(t, m.Current())
	assert.Equal(t, model.LockWrite, m.Current().Kind)
	assert.Equal(t, model.TransactionID("T1"), m.Current().Writer)
	require.Len(t, m.Queue(), 1, "T2 remains queued behind the now-current write")
}

func TestReleaseHolderClearsReadOnlyWhenEmpty(t *testing.T) {
	m := lockmgr.New("x1")
	m.InstallRead("T1")
	m.ShareRead("T2")

	m.ReleaseHolder("T1")
	require.NotNil(t, m.Current(), "lock remains held by T2")

	m.ReleaseHolder("T2")
	assert.Nil(t, m.Current())
}

func TestReleaseHolderClearsWrite(t *testing.T) {
	m := lockmgr.New("x1")
	m.InstallWrite("T1")
	m.ReleaseHolder("T1")
	assert.Nil(t, m.Current())
}

func TestShareReadOnNonReadPanics(t *testing.T) {
	m := lockmgr.New("x1")
	m.InstallWrite("T1")
	assert.Panics(t, func() { m.ShareRead("T2") })
}

func TestResetClearsEverything(t *testing.T) {
	m := lockmgr.New("x1")
	m.InstallRead("T1")
	m.Enqueue(lockmgr.Request{Tx: "T2", Kind: model.LockWrite})

	m.Reset()
	assert.Nil(t, m.Current())
	assert.Empty(t, m.Queue())
}

func TestHasQueuedWriteExcept(t *testing.T) {
	m := lockmgr.New("x1")
	m.Enqueue(lockmgr.Request{Tx: "T1", Kind: model.LockWrite})
	assert.True(t, m.HasQueuedWrite(""))
	assert.False(t, m.HasQueuedWrite("T1"))
	assert.True(t, m.HasQueuedWrite("T2"))
}
