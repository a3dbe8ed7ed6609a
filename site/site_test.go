package site_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksakai/repcrec/model"
	"github.com/ksakai/repcrec/site"
)

func newTestSite(t *testing.T, id model.SiteID, vars ...model.VariableID) *site.Site {
	t.Helper()
	return site.New(id, vars)
}

func TestInitialCommittedValue(t *testing.T) {
	s := newTestSite(t, 2, "x4", "x7")
	r := s.Read("T1", "x4")
	require.True(t, r.OK)
	assert.Equal(t, 40, r.Value)
}

func TestReadYourOwnWrite(t *testing.T) {
	s := newTestSite(t, 1, "x2")
	require.True(t, s.CanGetWriteLock("T1", "x2"))
	s.Write("T1", "x2", 22)

	r := s.Read("T1", "x2")
	require.True(t, r.OK)
	assert.Equal(t, 22, r.Value, "read-your-own-write must see the temp value, not the committed one")
}

func TestWriteLockByAnotherBlocksRead(t *testing.T) {
	s := newTestSite(t, 1, "x2")
	require.True(t, s.CanGetWriteLock("T1", "x2"))
	s.Write("T1", "x2", 22)

	r := s.Read("T2", "x2")
	assert.False(t, r.OK)
}

func TestCommitMaterializesTempAndMarksReadable(t *testing.T) {
	s := newTestSite(t, 1, "x2")
	require.True(t, s.CanGetWriteLock("T1", "x2"))
	s.Write("T1", "x2", 22)
	s.Commit("T1", 5)

	r := s.Read("T2", "x2")
	require.True(t, r.OK)
	assert.Equal(t, 22, r.Value)
}

func TestAbortDiscardsTemp(t *testing.T) {
	s := newTestSite(t, 1, "x2")
	require.True(t, s.CanGetWriteLock("T1", "x2"))
	s.Write("T1", "x2", 22)
	s.Abort("T1")

	r := s.Read("T2", "x2")
	require.True(t, r.OK)
	assert.Equal(t, 20, r.Value, "aborted temp write must not be visible")
}

func TestFailResetsLockState(t *testing.T) {
	s := newTestSite(t, 1, "x2")
	require.True(t, s.CanGetWriteLock("T1", "x2"))
	s.Write("T1", "x2", 22)

	require.NoError(t, s.Fail(3))
	assert.False(t, s.Up())

	// After recover, no lock from before the failure remains.
	require.NoError(t, s.Recover(4))
	assert.True(t, s.Up())
	assert.Empty(t, s.Locks(), "T1's write lock must not survive the failure")
}

func TestRecoverMarksReplicatedVariablesUnreadableUntilCommit(t *testing.T) {
	s := newTestSite(t, 2, "x4")
	require.NoError(t, s.Fail(1))
	require.NoError(t, s.Recover(2))

	r := s.Read("T1", "x4")
	assert.False(t, r.OK, "replicated variable must be unreadable immediately after recovery")

	require.True(t, s.CanGetWriteLock("T1", "x4"))
	s.Write("T1", "x4", 99)
	s.Commit("T1", 3)

	r = s.Read("T2", "x4")
	require.True(t, r.OK, "a fresh commit republishes readability")
	assert.Equal(t, 99, r.Value)
}

func TestSnapshotIgnoresLaterWrites(t *testing.T) {
	s := newTestSite(t, 2, "x8")
	require.True(t, s.CanGetWriteLock("T1", "x8"))
	s.Write("T1", "x8", 88)
	s.Commit("T1", 5)

	r := s.ReadSnapshot("x8", 2) // begin_ts before the commit
	require.True(t, r.OK)
	assert.Equal(t, 80, r.Value)
}

func TestSnapshotRejectedByInterveningFailure(t *testing.T) {
	s := newTestSite(t, 2, "x8")
	require.NoError(t, s.Fail(3))
	require.NoError(t, s.Recover(4))
	// commit history still only has the initial record at ts 0; a reader
	// beginning after the fail/recover cycle cannot trust it.
	r := s.ReadSnapshot("x8", 5)
	assert.False(t, r.OK)
}

func TestFailingDownSiteIsUsageError(t *testing.T) {
	s := newTestSite(t, 1, "x1")
	require.NoError(t, s.Fail(1))
	assert.Error(t, s.Fail(2))
}

func TestRecoveringUpSiteIsUsageError(t *testing.T) {
	s := newTestSite(t, 1, "x1")
	assert.Error(t, s.Recover(1))
}

func TestWaitsForGraphWriteThenRead(t *testing.T) {
	s := newTestSite(t, 1, "x2")
	require.True(t, s.CanGetWriteLock("T1", "x2"))
	s.Write("T1", "x2", 1)

	r := s.Read("T2", "x2")
	assert.False(t, r.OK)

	g := s.WaitsFor()
	require.Contains(t, g, model.TransactionID("T2"))
	assert.Contains(t, g["T2"], model.TransactionID("T1"))
}

func TestWaitsForGraphSoleReadHolderPromotionHasNoEdge(t *testing.T) {
	s := newTestSite(t, 1, "x1")
	r := s.Read("T1", "x1")
	require.True(t, r.OK)
	assert.True(t, s.CanGetWriteLock("T1", "x1"), "sole read holder may promote uncontended")

	g := s.WaitsFor()
	assert.Empty(t, g)
}
