package types

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fuzzRounds = 500

func TestSlot_NextPrevAreInverse(t *testing.T) {
	f := fuzz.NewWithSeed(7)
	for i := 0; i < fuzzRounds; i++ {
		var s Slot
		var threads uint8
		f.Fuzz(&s)
		f.Fuzz(&threads)
		threads = threads%32 + 1
		s.Thread %= threads

		next, err := s.Next(threads)
		if err != nil {
			assert.ErrorIs(t, err, ErrSlotOverflow)
			continue
		}
		assert.True(t, s.Less(next), "%s < %s", s, next)
		prev, ok := next.Prev(threads)
		require.True(t, ok)
		assert.Equal(t, s, prev)
	}
}

func TestSlot_CompareIsAntisymmetric(t *testing.T) {
	f := fuzz.NewWithSeed(11)
	for i := 0; i < fuzzRounds; i++ {
		var a, b Slot
		f.Fuzz(&a)
		f.Fuzz(&b)
		assert.Equal(t, -a.Compare(b), b.Compare(a))
		assert.Equal(t, a == b, a.Compare(b) == 0)
	}
}

func TestSlot_TimestampRoundTrip(t *testing.T) {
	genesis := time.Unix(1_700_000_000, 0)
	f := fuzz.NewWithSeed(13)
	for i := 0; i < fuzzRounds; i++ {
		var s Slot
		f.Fuzz(&s)
		s.Period %= 1_000_000
		s.Thread %= 32
		start := SlotTimestamp(s, 32, 16*time.Second, genesis)
		got, ok := SlotAt(start, 32, 16*time.Second, genesis)
		require.True(t, ok)
		assert.Equal(t, s, got)
		got, _ = SlotAt(start.Add(time.Millisecond), 32, 16*time.Second, genesis)
		assert.Equal(t, s, got)
	}
	_, ok := SlotAt(genesis.Add(-time.Second), 32, 16*time.Second, genesis)
	assert.False(t, ok)
}

func TestSlot_Cycle(t *testing.T) {
	assert.Equal(t, uint64(0), NewSlot(127, 31).Cycle(128))
	assert.Equal(t, uint64(1), NewSlot(128, 0).Cycle(128))
	assert.True(t, NewSlot(127, 31).IsLastOfCycle(128, 32))
	assert.False(t, NewSlot(127, 30).IsLastOfCycle(128, 32))
	_, ok := NewSlot(0, 0).Prev(32)
	assert.False(t, ok)
}

func TestTransition_TerminalStatuses(t *testing.T) {
	events := []StatusEvent{EventSlotInFuture, EventMissingDependencies, EventReady, EventFinalized, EventInvalid}
	for _, from := range []BlockStatus{StatusFinal, StatusDiscarded} {
		for _, ev := range events {
			to, ok := Transition(from, ev)
			assert.False(t, ok, "%s on %s", from, ev)
			assert.Equal(t, from, to)
		}
	}

	to, ok := Transition(StatusWaitingForDependencies, EventSlotInFuture)
	assert.False(t, ok)
	assert.Equal(t, StatusWaitingForDependencies, to)
	to, ok = Transition(StatusActive, EventFinalized)
	assert.True(t, ok)
	assert.Equal(t, StatusFinal, to)
}

func TestLedgerChanges_MergeIsLastWriterWins(t *testing.T) {
	base := NewLedgerChanges()
	base.Set("alice", NewLedgerEntry(10, 1))
	base.Set("bob", NewLedgerEntry(5, 0))

	later := NewLedgerChanges()
	later.Set("alice", NewLedgerEntry(7, 1))
	later.Set("bob", NewLedgerEntry(0, 0))

	merged := base.Clone()
	merged.Merge(later)
	merged.Merge(later)

	want := LedgerChanges{"alice": NewLedgerEntry(7, 1), "bob": nil}
	diff := cmp.Diff(want, merged, cmp.Comparer(func(a, b *LedgerEntry) bool { return a.Equal(b) }))
	assert.Empty(t, diff)
	assert.True(t, base["alice"].Equal(NewLedgerEntry(10, 1)), "merge never aliases the source")
	assert.Equal(t, []Address{"alice", "bob"}, merged.SortedAddresses())
}

func TestBlockId_DependsOnContent(t *testing.T) {
	parents := []BlockId{{1}, {2}}
	op := Operation{Type: OpTransaction, Sender: "alice", Recipient: "bob", Amount: uint256.NewInt(3), ExpirePeriod: 9}
	a := AssembleBlock(NewSlot(1, 0), parents, "producer", nil, nil)
	b := AssembleBlock(NewSlot(1, 0), parents, "producer", nil, []Operation{op})
	c := AssembleBlock(NewSlot(1, 0), parents, "producer", []Endorsement{{Slot: NewSlot(0, 0), Endorser: "e"}}, nil)
	assert.NotEqual(t, a.Id(), b.Id())
	assert.NotEqual(t, a.Id(), c.Id())
	assert.Equal(t, a.Id(), AssembleBlock(NewSlot(1, 0), parents, "producer", nil, nil).Id())
	assert.Equal(t, uint64(2), c.Fitness())

	var decoded BlockId
	text, err := a.Id().MarshalText()
	require.NoError(t, err)
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, a.Id(), decoded)
}

func TestOperation_Validity(t *testing.T) {
	op := Operation{Sender: "alice", Recipient: "bob", ValidityStartPeriod: 3, ExpirePeriod: 5}
	assert.False(t, op.IsValidAt(2))
	assert.True(t, op.IsValidAt(3))
	assert.True(t, op.IsValidAt(5))
	assert.False(t, op.IsValidAt(6))
	assert.Equal(t, uint64(0), op.FeeOrZero().Uint64())
	assert.False(t, op.MissingRecipient())
	assert.Equal(t, []Address{"alice", "bob"}, op.InvolvedAddresses())

	self := Operation{Sender: "alice", Recipient: "alice"}
	assert.Equal(t, []Address{"alice"}, self.InvolvedAddresses())

	nobody := Operation{Sender: "alice"}
	assert.True(t, nobody.MissingRecipient())
	assert.Equal(t, []Address{"alice"}, nobody.InvolvedAddresses())

	roll := Operation{Type: OpRollBuy, Sender: "alice", Rolls: 1}
	assert.False(t, roll.MissingRecipient())
	assert.Equal(t, []Address{"alice"}, roll.InvolvedAddresses())
}
