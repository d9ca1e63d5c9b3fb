package selector

import (
	"testing"

	"github.com/mezonai/blockclique/config"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Consensus.ThreadCount = 4
	cfg.Consensus.EndorsementCount = 3
	cfg.Selector.PeriodsPerCycle = 8
	cfg.Selector.LookbackCycles = 2
	cfg.Selector.PosDrawCachedCycles = 3
	return cfg
}

func genesisInputs() CycleInputs {
	return CycleInputs{
		Seed:  [32]byte{1, 2, 3},
		Rolls: map[types.Address]uint64{"alice": 3, "bob": 1},
	}
}

func newSelector(t *testing.T) *Selector {
	t.Helper()
	s, err := New(testConfig(), "genesis", genesisInputs())
	require.NoError(t, err)
	return s
}

func TestSelector_DrawsAreDeterministic(t *testing.T) {
	a, b := newSelector(t), newSelector(t)
	end := types.NewSlot(16, 0)
	drawsA, err := a.GetDraws(types.NewSlot(0, 0), end)
	require.NoError(t, err)
	drawsB, err := b.GetDraws(types.NewSlot(0, 0), end)
	require.NoError(t, err)
	require.Len(t, drawsA, 16*4)
	assert.Equal(t, drawsA, drawsB)

	for _, d := range drawsA {
		assert.Len(t, d.Selection.Endorsers, 3)
		if d.Slot.Period == 0 {
			assert.Equal(t, types.Address("genesis"), d.Selection.Producer)
		} else {
			assert.Contains(t, []types.Address{"alice", "bob"}, d.Selection.Producer)
		}
	}
}

func TestSelector_DrawsFollowRolls(t *testing.T) {
	s, err := New(testConfig(), "genesis", CycleInputs{Seed: [32]byte{9}, Rolls: map[types.Address]uint64{"alice": 1, "bob": 0}})
	require.NoError(t, err)
	draws, err := s.GetDraws(types.NewSlot(1, 0), types.NewSlot(16, 0))
	require.NoError(t, err)
	for _, d := range draws {
		assert.Equal(t, types.Address("alice"), d.Selection.Producer, "bob holds no roll")
	}
}

func TestSelector_WindowAndFeeding(t *testing.T) {
	s := newSelector(t)
	lo, hi := s.Window()
	assert.Equal(t, uint64(0), lo)
	assert.Equal(t, uint64(1), hi)

	_, err := s.GetProducer(types.NewSlot(16, 0))
	assert.Equal(t, cerrors.KindDrawOutOfRange, cerrors.KindOf(err))
	assert.True(t, cerrors.IsFatal(err))

	assert.Error(t, s.FeedCycle(3, genesisInputs()), "cycles are fed in order")
	next := CycleInputs{Seed: [32]byte{4}, Rolls: map[types.Address]uint64{"carol": 2}}
	require.NoError(t, s.FeedCycle(2, next))
	require.NoError(t, s.FeedCycle(2, next), "feeding identical inputs again is a no-op")
	assert.Error(t, s.FeedCycle(2, genesisInputs()), "fed inputs never change")

	producer, err := s.GetProducer(types.NewSlot(16, 0))
	require.NoError(t, err)
	assert.Equal(t, types.Address("carol"), producer)

	require.NoError(t, s.FeedCycle(3, next))
	lo, hi = s.Window()
	assert.Equal(t, uint64(1), lo)
	assert.Equal(t, uint64(3), hi)
	_, err = s.GetProducer(types.NewSlot(1, 0))
	assert.Equal(t, cerrors.KindDrawOutOfRange, cerrors.KindOf(err), "cycle 0 left the window")
}

func TestSelector_FeedingNeverChangesPastDraws(t *testing.T) {
	s := newSelector(t)
	before, err := s.GetDraws(types.NewSlot(8, 0), types.NewSlot(16, 0))
	require.NoError(t, err)
	require.NoError(t, s.FeedCycle(2, CycleInputs{Seed: [32]byte{5}, Rolls: map[types.Address]uint64{"dave": 9}}))
	after, err := s.GetDraws(types.NewSlot(8, 0), types.NewSlot(16, 0))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSelector_RejectsUnknownThread(t *testing.T) {
	_, err := newSelector(t).GetSelection(types.NewSlot(1, 4))
	assert.Equal(t, cerrors.KindValidation, cerrors.KindOf(err))
}
