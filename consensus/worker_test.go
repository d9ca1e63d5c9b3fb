package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/mezonai/blockclique/config"
	"github.com/mezonai/blockclique/events"
	"github.com/mezonai/blockclique/graph"
	"github.com/mezonai/blockclique/ledger"
	"github.com/mezonai/blockclique/pool"
	"github.com/mezonai/blockclique/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const localNode = types.Address("node")

type drawSelector struct {
	producer  types.Address
	endorsers []types.Address
}

func (s drawSelector) GetProducer(types.Slot) (types.Address, error) { return s.producer, nil }

func (s drawSelector) GetEndorsers(types.Slot) ([]types.Address, error) { return s.endorsers, nil }

type recordingSink struct {
	mu     sync.Mutex
	final  map[types.Slot]*types.Block
	clique map[types.Slot]*types.Block
	calls  int
}

func (s *recordingSink) UpdateBlockclique(final map[types.Slot]*types.Block, blockclique map[types.Slot]*types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		s.final = make(map[types.Slot]*types.Block)
	}
	for slot, block := range final {
		s.final[slot] = block
	}
	s.clique = blockclique
	s.calls++
}

// balances serves a fixed speculative ledger
type balances map[types.Address]uint64

func (b balances) SpeculativeView() *ledger.LedgerView {
	return ledger.NewLedgerView(func(addr types.Address) (*types.LedgerEntry, error) {
		if balance, ok := b[addr]; ok {
			return types.NewLedgerEntry(balance, 0), nil
		}
		return nil, nil
	})
}

func testConfig(endorsements int) *config.Config {
	cfg := config.Default()
	cfg.Consensus.ThreadCount = 2
	cfg.Consensus.T0 = 16 * time.Second
	cfg.Consensus.DeltaF0 = 3
	cfg.Consensus.MaxOperationsPerBlock = 10
	cfg.Consensus.EndorsementCount = endorsements
	return cfg
}

type fixture struct {
	w      *Worker
	g      *graph.Graph
	pool   *pool.Pool
	state  balances
	sink   *recordingSink
	router *events.EventRouter
}

func newFixture(cfg *config.Config, sel drawSelector) *fixture {
	g := graph.New(cfg.Consensus, sel, "genesis")
	bus := events.NewEventBus()
	p := pool.New(cfg, bus)
	state := balances{}
	sink := &recordingSink{}
	router := events.NewEventRouter(bus)
	genesis := time.Unix(1_700_000_000, 0)
	w := NewWorker(cfg, genesis, localNode, g, sel, p, state, sink, router)
	return &fixture{w: w, g: g, pool: p, state: state, sink: sink, router: router}
}

func senderIn(threads, thread uint8) types.Address {
	return sendersIn(threads, thread, 1)[0]
}

func sendersIn(threads, thread uint8, n int) []types.Address {
	var out []types.Address
	for i := 0; len(out) < n; i++ {
		addr := types.Address(fmt.Sprintf("sender-%d", i))
		if addr.Thread(threads) == thread {
			out = append(out, addr)
		}
	}
	return out
}

func (f *fixture) tipOf(t *testing.T, thread uint8) *types.Block {
	t.Helper()
	block, _, ok := f.g.GetActiveBlock(f.g.GetBestParents()[thread])
	require.True(t, ok)
	return block
}

func TestWorker_CreatesBlocksAndFinalizes(t *testing.T) {
	cfg := testConfig(0)
	f := newFixture(cfg, drawSelector{producer: localNode})
	_, finalized := f.router.Subscribe(events.EventBlockFinalized)

	op := types.Operation{
		Type:         types.OpTransaction,
		Sender:       senderIn(2, 0),
		Recipient:    "bob",
		Amount:       uint256.NewInt(1),
		Fee:          uint256.NewInt(5),
		ExpirePeriod: 10,
	}
	f.state[op.Sender] = 6
	require.NoError(t, f.w.SubmitOperations([]types.Operation{op})[0])

	require.NoError(t, f.w.handleSlot(types.NewSlot(1, 0)))
	first := f.tipOf(t, 0)
	assert.Equal(t, types.NewSlot(1, 0), first.Header.Slot)
	assert.Equal(t, localNode, first.Header.Creator)
	require.Len(t, first.Operations, 1)
	assert.Equal(t, op.Id(), first.Operations[0].Id())
	assert.Contains(t, f.sink.clique, types.NewSlot(1, 0))

	require.NoError(t, f.w.handleSlot(types.NewSlot(1, 1)))
	require.NoError(t, f.w.handleSlot(types.NewSlot(2, 0)))
	assert.Empty(t, f.tipOf(t, 0).Operations, "an included operation is not pulled again")
	assert.Equal(t, []uint64{0, 0}, f.g.LatestFinalPeriods())

	require.NoError(t, f.w.handleSlot(types.NewSlot(2, 1)))
	assert.Equal(t, []uint64{1, 0}, f.g.LatestFinalPeriods())
	require.Contains(t, f.sink.final, types.NewSlot(1, 0))
	assert.Equal(t, first.Id(), f.sink.final[types.NewSlot(1, 0)].Id())
	assert.Len(t, f.sink.clique, 3)
	assert.Equal(t, 0, f.pool.Len(), "final operations leave the pool")

	var finalIds []types.BlockId
	for len(finalized) > 0 {
		ev := <-finalized
		finalIds = append(finalIds, ev.(*events.BlockFinalized).BlockId())
	}
	assert.Equal(t, []types.BlockId{first.Id()}, finalIds)
}

func TestWorker_SkipsOperationsThatCannotExecute(t *testing.T) {
	f := newFixture(testConfig(0), drawSelector{producer: localNode})
	senders := sendersIn(2, 0, 2)
	funded, broke := senders[0], senders[1]
	f.state[funded] = 10

	transfer := func(from types.Address, fee, amount uint64) types.Operation {
		return types.Operation{
			Type:         types.OpTransaction,
			Sender:       from,
			Recipient:    "bob",
			Amount:       uint256.NewInt(amount),
			Fee:          uint256.NewInt(fee),
			ExpirePeriod: 10,
		}
	}
	unpaid := transfer(broke, 9, 1)
	paid := transfer(funded, 5, 1)
	overdraft := transfer(funded, 3, 5)
	noRolls := types.Operation{Type: types.OpRollBuy, Sender: funded, Fee: uint256.NewInt(1), ExpirePeriod: 10}
	for _, err := range f.w.SubmitOperations([]types.Operation{unpaid, paid, overdraft, noRolls}) {
		require.NoError(t, err)
	}

	require.NoError(t, f.w.handleSlot(types.NewSlot(1, 0)))
	block := f.tipOf(t, 0)
	assert.Equal(t, types.NewSlot(1, 0), block.Header.Slot)
	require.Len(t, block.Operations, 1)
	assert.Equal(t, paid.Id(), block.Operations[0].Id())

	// skipped operations stay pooled for a later block
	var left []types.OperationId
	for _, op := range f.pool.PullOperations(types.NewSlot(2, 0), 10) {
		left = append(left, op.Id())
	}
	assert.ElementsMatch(t, []types.OperationId{unpaid.Id(), overdraft.Id(), noRolls.Id()}, left)
}

func TestWorker_SkipsSlotsDrawnToOthers(t *testing.T) {
	f := newFixture(testConfig(0), drawSelector{producer: "someone-else"})
	require.NoError(t, f.w.handleSlot(types.NewSlot(1, 0)))
	assert.Empty(t, f.g.GetBlockclique())
	assert.Zero(t, f.sink.calls)
}

func TestWorker_DisabledBlockCreation(t *testing.T) {
	cfg := testConfig(0)
	cfg.Consensus.DisableBlockCreation = true
	f := newFixture(cfg, drawSelector{producer: localNode})
	require.NoError(t, f.w.handleSlot(types.NewSlot(1, 0)))
	assert.Empty(t, f.g.GetBlockclique())
}

func TestWorker_EndorsesAndIncludesEndorsements(t *testing.T) {
	f := newFixture(testConfig(2), drawSelector{producer: localNode, endorsers: []types.Address{localNode, "other"}})

	require.NoError(t, f.w.handleSlot(types.NewSlot(1, 0)))
	endorsed := f.tipOf(t, 0)
	pooled := f.pool.PullEndorsements(types.NewSlot(1, 0), 10)
	require.Len(t, pooled, 1)
	assert.Equal(t, uint32(0), pooled[0].Index)
	assert.Equal(t, endorsed.Id(), pooled[0].EndorsedBlock)

	require.NoError(t, f.w.handleSlot(types.NewSlot(1, 1)))
	require.NoError(t, f.w.handleSlot(types.NewSlot(2, 0)))
	block := f.tipOf(t, 0)
	assert.Equal(t, types.NewSlot(2, 0), block.Header.Slot)
	require.Len(t, block.Header.Endorsements, 1)
	assert.Equal(t, pooled[0], block.Header.Endorsements[0])
	assert.Equal(t, uint64(2), block.Fitness())
}

func TestWorker_EndorsementsOfOtherBlocksAreSkipped(t *testing.T) {
	f := newFixture(testConfig(2), drawSelector{producer: localNode, endorsers: []types.Address{"a", "b"}})
	require.NoError(t, f.w.handleSlot(types.NewSlot(1, 0)))
	parent := f.tipOf(t, 0)

	errs := f.w.SubmitEndorsements([]types.Endorsement{
		{Slot: parent.Header.Slot, Index: 0, Endorser: "a", EndorsedBlock: types.BlockId{9}},
		{Slot: parent.Header.Slot, Index: 1, Endorser: "a", EndorsedBlock: parent.Id()},
		{Slot: parent.Header.Slot, Index: 1, Endorser: "b", EndorsedBlock: parent.Id()},
	})
	for _, err := range errs {
		require.NoError(t, err)
	}

	chosen, err := f.w.endorsementsFor(parent.Id())
	require.NoError(t, err)
	require.Len(t, chosen, 1)
	assert.Equal(t, types.Address("b"), chosen[0].Endorser)
}

func TestWorker_RunServesSubmissions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(0)
	cfg.Consensus.DisableBlockCreation = true
	f := newFixture(cfg, drawSelector{producer: "remote"})
	f.w.now = func() time.Time { return f.w.genesisTime.Add(17 * time.Second) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	genesis := f.g.GenesisBlocks()
	block := types.AssembleBlock(types.NewSlot(1, 0), []types.BlockId{genesis[0].Id(), genesis[1].Id()}, "remote", nil, nil)
	status, err := f.w.SubmitBlock(context.Background(), block)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, status)
	assert.Equal(t, []types.BlockId{block.Id()}, f.g.GetBlockclique())

	cancel()
	require.NoError(t, <-done)

	_, err = f.w.SubmitBlock(context.Background(), block)
	assert.ErrorIs(t, err, ErrWorkerStopped)
}
