package ledger

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/mezonai/blockclique/config"
	"github.com/mezonai/blockclique/db"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, db.IterableProvider) {
	t.Helper()
	provider, err := db.NewMemLevelDBProvider()
	require.NoError(t, err)
	l, err := NewLedger(provider, config.LedgerConfig{CacheCapacity: 16, FinalHistoryLength: 3})
	require.NoError(t, err)
	return l, provider
}

func changesOf(pairs ...interface{}) types.LedgerChanges {
	c := types.NewLedgerChanges()
	for i := 0; i < len(pairs); i += 2 {
		c.Set(types.Address(pairs[i].(string)), pairs[i+1].(*types.LedgerEntry))
	}
	return c
}

func balanceOf(t *testing.T, entry *types.LedgerEntry) uint64 {
	t.Helper()
	require.NotNil(t, entry)
	return entry.Balance.Uint64()
}

func TestLedger_ApplyIsReadBack(t *testing.T) {
	l, provider := newTestLedger(t)

	require.NoError(t, l.Apply(types.NewSlot(1, 0), changesOf("alice", types.NewLedgerEntry(100, 2))))

	entry, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balanceOf(t, entry))
	assert.Equal(t, uint64(2), entry.Rolls)

	missing, err := l.Get("bob")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// a fresh ledger on the same store sees the same final state
	reopened, err := NewLedger(provider, config.LedgerConfig{CacheCapacity: 16, FinalHistoryLength: 3})
	require.NoError(t, err)
	entry, err = reopened.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balanceOf(t, entry))
	slot, ok := reopened.FinalSlot()
	require.True(t, ok)
	assert.Equal(t, types.NewSlot(1, 0), slot)
}

func TestLedger_EmptyEntryIsDeleted(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Apply(types.NewSlot(1, 0), changesOf("alice", types.NewLedgerEntry(5, 0))))
	require.NoError(t, l.Apply(types.NewSlot(1, 1), changesOf("alice", types.NewLedgerEntry(0, 0))))

	entry, err := l.Get("alice")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestLedger_ApplyRejectsNonIncreasingSlot(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Apply(types.NewSlot(2, 0), changesOf("alice", types.NewLedgerEntry(5, 0))))

	err := l.Apply(types.NewSlot(1, 1), changesOf("alice", types.NewLedgerEntry(6, 0)))
	assert.True(t, cerrors.IsKind(err, cerrors.KindStore))
}

func TestLedger_SpeculativeLayers(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Apply(types.NewSlot(0, 1), changesOf("alice", types.NewLedgerEntry(10, 0))))

	base := l.Checkpoint()
	l.PushSpeculative(types.NewSlot(1, 0), changesOf("alice", types.NewLedgerEntry(20, 0)))
	mid := l.Checkpoint()
	l.PushSpeculative(types.NewSlot(1, 1), changesOf("alice", types.NewLedgerEntry(30, 0), "bob", types.NewLedgerEntry(1, 0)))

	entry, err := l.GetSpeculative("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), balanceOf(t, entry))
	final, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), balanceOf(t, final))

	require.NoError(t, l.RollbackTo(mid))
	entry, err = l.GetSpeculative("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), balanceOf(t, entry))
	bob, err := l.GetSpeculative("bob")
	require.NoError(t, err)
	assert.Nil(t, bob)

	committed, err := l.CommitOldest()
	require.NoError(t, err)
	assert.Equal(t, types.NewSlot(1, 0), committed.Slot)
	final, err = l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), balanceOf(t, final))
	assert.Equal(t, 0, l.SpeculativeDepth())

	// base was taken before a layer that is now final
	assert.Error(t, l.RollbackTo(base))
}

func TestLedger_HistoryIsBounded(t *testing.T) {
	l, _ := newTestLedger(t)
	for p := uint64(1); p <= 5; p++ {
		require.NoError(t, l.Apply(types.NewSlot(p, 0), changesOf("alice", types.NewLedgerEntry(p, 0))))
	}
	history := l.History()
	require.Len(t, history, 3)
	assert.Equal(t, types.NewSlot(3, 0), history[0].Slot)
	assert.Equal(t, types.NewSlot(5, 0), history[2].Slot)
}

func TestLedger_FlushPersistsHistory(t *testing.T) {
	l, provider := newTestLedger(t)
	require.NoError(t, l.Apply(types.NewSlot(1, 0), changesOf("alice", types.NewLedgerEntry(1, 0))))
	require.NoError(t, l.Flush())

	reopened, err := NewLedger(provider, config.LedgerConfig{CacheCapacity: 16, FinalHistoryLength: 3})
	require.NoError(t, err)
	history := reopened.History()
	require.Len(t, history, 1)
	assert.Equal(t, types.NewSlot(1, 0), history[0].Slot)
}

func TestLedger_ExportImport(t *testing.T) {
	src, _ := newTestLedger(t)
	require.NoError(t, src.InitGenesis(types.NewSlot(0, 1), changesOf(
		"alice", types.NewLedgerEntry(100, 1),
		"bob", types.NewLedgerEntry(50, 0),
	)))
	require.NoError(t, src.Apply(types.NewSlot(1, 0), changesOf("bob", types.NewLedgerEntry(60, 0))))

	state, err := src.ExportFinalState()
	require.NoError(t, err)
	assert.Len(t, state.Entries, 2)

	dst, _ := newTestLedger(t)
	require.NoError(t, dst.Apply(types.NewSlot(0, 0), changesOf("carol", types.NewLedgerEntry(7, 0))))
	dst.PushSpeculative(types.NewSlot(0, 1), changesOf("carol", types.NewLedgerEntry(8, 0)))
	require.NoError(t, dst.ImportFinalState(state))

	carol, err := dst.GetSpeculative("carol")
	require.NoError(t, err)
	assert.Nil(t, carol)
	bob, err := dst.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), balanceOf(t, bob))
	slot, ok := dst.FinalSlot()
	require.True(t, ok)
	assert.Equal(t, types.NewSlot(1, 0), slot)
	assert.Equal(t, 0, dst.SpeculativeDepth())
}

func TestLedgerView_Operations(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Apply(types.NewSlot(0, 0), changesOf("alice", types.NewLedgerEntry(1000, 0))))

	view := l.FinalView()
	require.NoError(t, view.Transfer("alice", "bob", uint256.NewInt(300)))
	require.NoError(t, view.BuyRolls("alice", 2, 100))
	err := view.Transfer("bob", "carol", uint256.NewInt(301))
	assert.True(t, cerrors.IsKind(err, cerrors.KindExecution))
	err = view.SellRolls("bob", 1, 100)
	assert.True(t, cerrors.IsKind(err, cerrors.KindExecution))

	changes := view.Changes()
	assert.Equal(t, uint64(500), changes["alice"].Balance.Uint64())
	assert.Equal(t, uint64(2), changes["alice"].Rolls)
	assert.Equal(t, uint64(300), changes["bob"].Balance.Uint64())
	_, touched := changes["carol"]
	assert.False(t, touched)

	// the final state is untouched until the changes are applied
	alice, err := l.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), balanceOf(t, alice))
}

func TestLedgerView_PayFeeAndApplyOperation(t *testing.T) {
	view := NewLedgerView(func(addr types.Address) (*types.LedgerEntry, error) {
		if addr == "alice" {
			return types.NewLedgerEntry(10, 0), nil
		}
		return nil, nil
	})
	op := &types.Operation{Type: types.OpTransaction, Sender: "alice", Recipient: "bob", Amount: uint256.NewInt(8), Fee: uint256.NewInt(4)}
	require.NoError(t, view.PayFee(op, "producer"))
	err := view.ApplyOperation(op, 100)
	assert.True(t, cerrors.IsKind(err, cerrors.KindExecution))

	changes := view.Changes()
	assert.Equal(t, uint64(6), changes["alice"].Balance.Uint64(), "the fee stays paid")
	assert.Equal(t, uint64(4), changes["producer"].Balance.Uint64())
	_, touched := changes["bob"]
	assert.False(t, touched)

	nobody := &types.Operation{Type: types.OpTransaction, Sender: "alice", Amount: uint256.NewInt(1)}
	err = view.ApplyOperation(nobody, 100)
	assert.Equal(t, cerrors.ErrMsgMissingRecipient, cerrors.MessageOf(err))

	err = view.PayFee(&types.Operation{Sender: "carol", Fee: uint256.NewInt(1)}, "producer")
	assert.Equal(t, cerrors.ErrMsgInsufficientBalance, cerrors.MessageOf(err))
}

func TestComputeChangesHash_OrderIndependent(t *testing.T) {
	a := changesOf("alice", types.NewLedgerEntry(1, 0), "bob", types.NewLedgerEntry(2, 3))
	b := types.NewLedgerChanges()
	b.Set("bob", types.NewLedgerEntry(2, 3))
	b.Set("alice", types.NewLedgerEntry(1, 0))
	assert.Equal(t, ComputeChangesHash(a), ComputeChangesHash(b))

	b.Set("alice", nil)
	assert.NotEqual(t, ComputeChangesHash(a), ComputeChangesHash(b))
	assert.Equal(t, [32]byte{}, ComputeChangesHash(nil))
}

func TestLedger_StagedMetadataCommitsWithFinalSlot(t *testing.T) {
	l, _ := newTestLedger(t)

	l.StageMetadata("cycle_inputs:3", []byte("inputs"))
	raw, err := l.GetMetadata("cycle_inputs:3")
	require.NoError(t, err)
	assert.Nil(t, raw, "staged metadata is invisible until the next final commit")

	require.NoError(t, l.Apply(types.NewSlot(1, 0), changesOf("alice", types.NewLedgerEntry(10, 4), "bob", types.NewLedgerEntry(5, 0))))
	raw, err = l.GetMetadata("cycle_inputs:3")
	require.NoError(t, err)
	assert.Equal(t, []byte("inputs"), raw)

	rolls, err := l.FinalRolls()
	require.NoError(t, err)
	assert.Equal(t, map[types.Address]uint64{"alice": 4}, rolls)

	state, err := l.ExportFinalState()
	require.NoError(t, err)
	assert.Equal(t, []byte("inputs"), state.Metadata["cycle_inputs:3"])
}
