package graph

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/mezonai/blockclique/config"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProducer = types.Address("producer")

type fixedSelector struct{}

func (fixedSelector) GetProducer(types.Slot) (types.Address, error) {
	return testProducer, nil
}

func (fixedSelector) GetEndorsers(types.Slot) ([]types.Address, error) {
	return []types.Address{"e0", "e1"}, nil
}

func testConfig(threads uint8, deltaF0 uint64) config.ConsensusConfig {
	return config.ConsensusConfig{
		ThreadCount:                     threads,
		T0:                              16 * time.Second,
		DeltaF0:                         deltaF0,
		MaxDiscardedBlocks:              100,
		FutureBlockProcessingMaxPeriods: 10,
		MaxFutureProcessingBlocks:       10,
		MaxDependencyBlocks:             10,
		ForceKeepFinalPeriods:           100,
		MaxOperationsPerBlock:           10,
		EndorsementCount:                2,
	}
}

type fixture struct {
	t       *testing.T
	cfg     config.ConsensusConfig
	g       *Graph
	genesis []types.BlockId
}

func newFixture(t *testing.T, cfg config.ConsensusConfig) *fixture {
	t.Helper()
	g := New(cfg, fixedSelector{}, "genesis")
	require.NoError(t, g.Tick(types.NewSlot(50, 0)))
	f := &fixture{t: t, cfg: cfg, g: g}
	for _, b := range g.GenesisBlocks() {
		f.genesis = append(f.genesis, b.Id())
	}
	return f
}

// senderFor finds an address routed to the given thread
func senderFor(threads, thread uint8) types.Address {
	for i := 0; ; i++ {
		addr := types.Address(fmt.Sprintf("sender-%d", i))
		if addr.Thread(threads) == thread {
			return addr
		}
	}
}

// block builds a valid block; a non-zero variant adds an operation so that
// blocks sharing a slot and parents get different ids.
func (f *fixture) block(period uint64, thread uint8, variant uint64, parents ...types.BlockId) *types.Block {
	var ops []types.Operation
	if variant > 0 {
		ops = append(ops, types.Operation{
			Type:         types.OpTransaction,
			Sender:       senderFor(f.cfg.ThreadCount, thread),
			Recipient:    "anyone",
			Amount:       uint256.NewInt(variant),
			ExpirePeriod: 1000,
		})
	}
	return types.AssembleBlock(types.NewSlot(period, thread), parents, testProducer, nil, ops)
}

func (f *fixture) submit(b *types.Block) types.BlockStatus {
	f.t.Helper()
	status, err := f.g.Submit(b)
	require.False(f.t, cerrors.IsFatal(err), "fatal error: %v", err)
	return status
}

func (f *fixture) status(b *types.Block) types.BlockStatus {
	return f.g.GetStatus(b.Id())
}

type scenario struct {
	A0, A1, B, C, D *types.Block
}

// buildScenario is the two-thread graph
//
//	thread 0: G0 <- A0 <- B
//	thread 1: G1 <- A1 <- C <- D
//
// where A0, A1 parent the genesis pair, B and C parent A0 and A1, D parents B and C.
func (f *fixture) buildScenario() scenario {
	s := scenario{}
	s.A0 = f.block(1, 0, 0, f.genesis[0], f.genesis[1])
	s.A1 = f.block(1, 1, 0, f.genesis[0], f.genesis[1])
	s.B = f.block(2, 0, 0, s.A0.Id(), s.A1.Id())
	s.C = f.block(2, 1, 0, s.A0.Id(), s.A1.Id())
	s.D = f.block(3, 1, 0, s.B.Id(), s.C.Id())
	return s
}

func TestGraph_TwoThreadScenario(t *testing.T) {
	f := newFixture(t, testConfig(2, 3))
	s := f.buildScenario()
	for _, b := range []*types.Block{s.A0, s.A1, s.B, s.C, s.D} {
		f.submit(b)
	}

	assert.Equal(t, types.StatusFinal, f.g.GetStatus(f.genesis[0]))
	assert.Equal(t, types.StatusFinal, f.g.GetStatus(f.genesis[1]))
	assert.Equal(t, types.StatusFinal, f.status(s.A0))
	assert.Equal(t, types.StatusFinal, f.status(s.A1))
	assert.Equal(t, types.StatusActive, f.status(s.B))
	assert.Equal(t, types.StatusActive, f.status(s.C))
	assert.Equal(t, types.StatusActive, f.status(s.D))

	assert.Equal(t, []types.BlockId{s.B.Id(), s.C.Id(), s.D.Id()}, f.g.GetBlockclique())
	assert.Equal(t, []uint64{1, 1}, f.g.LatestFinalPeriods())
	assert.Equal(t, []types.BlockId{s.B.Id(), s.D.Id()}, f.g.GetBestParents())

	u := f.g.DrainUpdate()
	require.Len(t, u.NewlyFinal, 2)
	assert.Equal(t, s.A0.Id(), u.NewlyFinal[0].Id())
	assert.Equal(t, s.A1.Id(), u.NewlyFinal[1].Id())
	assert.True(t, u.BlockcliqueChanged)
	assert.Len(t, u.Integrated, 5)
}

func TestGraph_OneUnitShortStaysActive(t *testing.T) {
	f := newFixture(t, testConfig(2, 4))
	s := f.buildScenario()
	for _, b := range []*types.Block{s.A0, s.A1, s.B, s.C, s.D} {
		f.submit(b)
	}

	// A0 is followed by B, C and D: fitness 3, one short of delta_f0
	assert.Equal(t, types.StatusActive, f.status(s.A0))
	assert.Equal(t, types.StatusActive, f.status(s.A1))
	assert.Equal(t, []uint64{0, 0}, f.g.LatestFinalPeriods())

	// one more confirmation on top of D is enough
	e := f.block(4, 0, 0, s.B.Id(), s.D.Id())
	f.submit(e)
	assert.Equal(t, types.StatusFinal, f.status(s.A0))
	assert.Equal(t, types.StatusFinal, f.status(s.A1))
}

func TestGraph_ThreadCoverageRequired(t *testing.T) {
	f := newFixture(t, testConfig(2, 2))
	a0 := f.block(1, 0, 0, f.genesis[0], f.genesis[1])
	b0 := f.block(2, 0, 0, a0.Id(), f.genesis[1])
	c0 := f.block(3, 0, 0, b0.Id(), f.genesis[1])
	for _, b := range []*types.Block{a0, b0, c0} {
		f.submit(b)
	}
	// enough fitness, but only thread 0 confirms a0
	assert.Equal(t, types.StatusActive, f.status(a0))

	// a thread 1 block on top of a0 completes the confirmation
	a1 := f.block(1, 1, 0, a0.Id(), f.genesis[1])
	f.submit(a1)
	assert.Equal(t, types.StatusFinal, f.status(a0))
	assert.Equal(t, types.StatusActive, f.status(b0))
}

func TestGraph_DependenciesArePromoted(t *testing.T) {
	f := newFixture(t, testConfig(2, 10))
	s := f.buildScenario()

	assert.Equal(t, types.StatusWaitingForDependencies, f.submit(s.D))
	assert.Equal(t, types.StatusWaitingForDependencies, f.submit(s.B))
	assert.ElementsMatch(t, []types.BlockId{s.A0.Id(), s.A1.Id(), s.C.Id()}, f.g.Wishlist())

	// B arrived before the update was drained, so it is no longer requested
	u := f.g.DrainUpdate()
	assert.ElementsMatch(t, []types.BlockId{s.A0.Id(), s.A1.Id(), s.C.Id()}, u.Requested)
	assert.Empty(t, u.Cancelled)

	f.submit(s.A0)
	f.submit(s.A1)
	assert.Equal(t, types.StatusActive, f.status(s.B))
	assert.Equal(t, types.StatusWaitingForDependencies, f.status(s.D))
	assert.Equal(t, []types.BlockId{s.C.Id()}, f.g.Wishlist())
	u = f.g.DrainUpdate()
	assert.Empty(t, u.Requested)
	assert.ElementsMatch(t, []types.BlockId{s.A0.Id(), s.A1.Id()}, u.Cancelled)

	f.submit(s.C)
	assert.Equal(t, types.StatusActive, f.status(s.D))
	assert.Empty(t, f.g.Wishlist())
	assert.Equal(t, []types.BlockId{s.C.Id()}, f.g.DrainUpdate().Cancelled)
}

func TestGraph_EvictionCancelsRequest(t *testing.T) {
	cfg := testConfig(2, 10)
	cfg.MaxDependencyBlocks = 1
	f := newFixture(t, cfg)

	first := f.block(1, 0, 1, types.BlockId{0xA1}, f.genesis[1])
	second := f.block(1, 0, 2, types.BlockId{0xA2}, f.genesis[1])
	f.submit(first)
	assert.Equal(t, []types.BlockId{{0xA1}}, f.g.DrainUpdate().Requested)

	f.submit(second)
	u := f.g.DrainUpdate()
	assert.Equal(t, []types.BlockId{first.Id()}, u.Evicted)
	assert.Equal(t, []types.BlockId{{0xA2}}, u.Requested)
	assert.Equal(t, []types.BlockId{{0xA1}}, u.Cancelled)
}

func TestGraph_DependencyCapacityEvictsOldest(t *testing.T) {
	cfg := testConfig(2, 10)
	cfg.MaxDependencyBlocks = 3
	f := newFixture(t, cfg)
	missing := types.BlockId{0xAA}

	var waiting []*types.Block
	for i := uint64(1); i <= uint64(cfg.MaxDependencyBlocks)+1; i++ {
		b := f.block(1, 0, i, missing, f.genesis[1])
		waiting = append(waiting, b)
		assert.Equal(t, types.StatusWaitingForDependencies, f.submit(b))
	}

	u := f.g.DrainUpdate()
	assert.Equal(t, []types.BlockId{waiting[0].Id()}, u.Evicted)
	assert.Equal(t, types.StatusUnknown, f.status(waiting[0]))
	count := 0
	for _, b := range waiting[1:] {
		if f.status(b) == types.StatusWaitingForDependencies {
			count++
		}
	}
	assert.Equal(t, cfg.MaxDependencyBlocks, count)
	assert.Equal(t, []types.BlockId{missing}, f.g.Wishlist())
}

func TestGraph_FutureSlotDiscard(t *testing.T) {
	cfg := testConfig(2, 10)
	f := newFixture(t, cfg)
	now := f.g.Snapshot().CurrentSlot

	tooFar := f.block(now.Period+cfg.FutureBlockProcessingMaxPeriods+1, 0, 0, f.genesis[0], f.genesis[1])
	status, err := f.g.Submit(tooFar)
	assert.Equal(t, types.StatusDiscarded, status)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))
	reason, ok := f.g.Snapshot().DiscardReason(tooFar.Id())
	require.True(t, ok)
	assert.Equal(t, types.DiscardTooFarInFuture, reason)

	edge := f.block(now.Period+cfg.FutureBlockProcessingMaxPeriods, 0, 0, f.genesis[0], f.genesis[1])
	assert.Equal(t, types.StatusWaitingForSlot, f.submit(edge))

	require.NoError(t, f.g.Tick(edge.Header.Slot))
	assert.Equal(t, types.StatusActive, f.status(edge))
}

func TestGraph_FutureBufferDropsFurthest(t *testing.T) {
	cfg := testConfig(2, 10)
	cfg.MaxFutureProcessingBlocks = 2
	f := newFixture(t, cfg)
	now := f.g.Snapshot().CurrentSlot

	near := f.block(now.Period+1, 0, 0, f.genesis[0], f.genesis[1])
	far := f.block(now.Period+3, 0, 0, f.genesis[0], f.genesis[1])
	mid := f.block(now.Period+2, 0, 0, f.genesis[0], f.genesis[1])
	f.submit(near)
	f.submit(far)
	f.submit(mid)

	assert.Equal(t, types.StatusWaitingForSlot, f.status(near))
	assert.Equal(t, types.StatusWaitingForSlot, f.status(mid))
	assert.Equal(t, types.StatusUnknown, f.status(far))
}

func TestGraph_WrongProducerIsDiscarded(t *testing.T) {
	f := newFixture(t, testConfig(2, 10))
	b := types.AssembleBlock(types.NewSlot(1, 0), []types.BlockId{f.genesis[0], f.genesis[1]}, "mallory", nil, nil)

	status, err := f.g.Submit(b)
	assert.Equal(t, types.StatusDiscarded, status)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))

	// children of a discarded block are discarded too
	child := f.block(2, 0, 0, b.Id(), f.genesis[1])
	status, err = f.g.Submit(child)
	assert.Equal(t, types.StatusDiscarded, status)
	assert.Error(t, err)
	reason, _ := f.g.Snapshot().DiscardReason(child.Id())
	assert.Equal(t, types.DiscardInvalidParent, reason)
}

func TestGraph_StructuralChecks(t *testing.T) {
	f := newFixture(t, testConfig(2, 10))

	nobody := types.Operation{
		Type:         types.OpTransaction,
		Sender:       senderFor(2, 0),
		Amount:       uint256.NewInt(1),
		ExpirePeriod: 1000,
	}
	cases := map[string]*types.Block{
		"no recipient":  types.AssembleBlock(types.NewSlot(1, 0), []types.BlockId{f.genesis[0], f.genesis[1]}, testProducer, nil, []types.Operation{nobody}),
		"parent count":  types.AssembleBlock(types.NewSlot(1, 0), []types.BlockId{f.genesis[0]}, testProducer, nil, nil),
		"thread":        types.AssembleBlock(types.NewSlot(1, 2), []types.BlockId{f.genesis[0], f.genesis[1]}, testProducer, nil, nil),
		"parent thread": types.AssembleBlock(types.NewSlot(1, 0), []types.BlockId{f.genesis[1], f.genesis[0]}, testProducer, nil, nil),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			status, err := f.g.Submit(b)
			assert.Equal(t, types.StatusDiscarded, status)
			assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))
		})
	}
}

func TestGraph_EndorsementsAddFitness(t *testing.T) {
	f := newFixture(t, testConfig(2, 10))
	a0 := f.block(1, 0, 0, f.genesis[0], f.genesis[1])
	f.submit(a0)

	good := types.Endorsement{Slot: a0.Header.Slot, Index: 1, Endorser: "e1", EndorsedBlock: a0.Id()}
	b := types.AssembleBlock(types.NewSlot(2, 0), []types.BlockId{a0.Id(), f.genesis[1]}, testProducer, []types.Endorsement{good}, nil)
	assert.Equal(t, types.StatusActive, f.submit(b))
	assert.Equal(t, uint64(2), b.Fitness())

	wrong := types.Endorsement{Slot: a0.Header.Slot, Index: 0, Endorser: "e1", EndorsedBlock: a0.Id()}
	bad := types.AssembleBlock(types.NewSlot(3, 0), []types.BlockId{b.Id(), f.genesis[1]}, testProducer, []types.Endorsement{wrong}, nil)
	status, err := f.g.Submit(bad)
	assert.Equal(t, types.StatusDiscarded, status)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))
}

func TestGraph_ForkPicksBlockcliqueDeterministically(t *testing.T) {
	f := newFixture(t, testConfig(2, 10))
	b1 := f.block(1, 0, 1, f.genesis[0], f.genesis[1])
	b2 := f.block(1, 0, 2, f.genesis[0], f.genesis[1])
	f.submit(b1)
	f.submit(b2)

	s := f.g.Snapshot()
	assert.Equal(t, 2, s.CliqueCount)
	expected := b1.Id()
	if hashSum([]types.BlockId{b2.Id()}).Lt(hashSum([]types.BlockId{b1.Id()})) {
		expected = b2.Id()
	}
	assert.Equal(t, []types.BlockId{expected}, f.g.GetBlockclique())

	// extending the other branch makes it heavier
	other := b1
	if expected == b1.Id() {
		other = b2
	}
	ext := f.block(2, 0, 0, other.Id(), f.genesis[1])
	f.submit(ext)
	assert.Equal(t, []types.BlockId{other.Id(), ext.Id()}, f.g.GetBlockclique())
}

type fork struct {
	scenario
	E, F, H, I *types.Block
	all        []*types.Block
}

// forkScenario extends the two-thread scenario with E, a losing sibling of B,
// and with F, H, I confirming the B branch.
func (f *fixture) forkScenario() fork {
	fk := fork{scenario: f.buildScenario()}
	fk.E = f.block(2, 0, 7, fk.A0.Id(), fk.A1.Id())
	fk.F = f.block(3, 0, 0, fk.B.Id(), fk.C.Id())
	fk.H = f.block(4, 0, 0, fk.F.Id(), fk.D.Id())
	fk.I = f.block(4, 1, 0, fk.F.Id(), fk.D.Id())
	fk.all = []*types.Block{fk.A0, fk.A1, fk.B, fk.C, fk.D, fk.E, fk.F, fk.H, fk.I}
	return fk
}

func TestGraph_OrderIndependence(t *testing.T) {
	reference := newFixture(t, testConfig(2, 3))
	fk := reference.forkScenario()
	for _, b := range fk.all {
		reference.submit(b)
	}
	wantClique := reference.g.GetBlockclique()
	wantFinal := reference.g.LatestFinalPeriods()

	assert.Equal(t, types.StatusFinal, reference.status(fk.B))
	assert.Equal(t, types.StatusFinal, reference.status(fk.C))
	assert.Equal(t, types.StatusDiscarded, reference.status(fk.E))
	assert.Equal(t, []types.BlockId{fk.F.Id(), fk.D.Id(), fk.H.Id(), fk.I.Id()}, wantClique)
	assert.Equal(t, []uint64{2, 2}, wantFinal)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		f := newFixture(t, testConfig(2, 3))
		order := append([]*types.Block(nil), fk.all...)
		rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
		for _, b := range order {
			f.submit(b)
		}
		require.Equal(t, wantClique, f.g.GetBlockclique(), "order %d", i)
		require.Equal(t, wantFinal, f.g.LatestFinalPeriods(), "order %d", i)
		for _, b := range fk.all {
			require.Equal(t, reference.status(b), f.status(b), "order %d block %s", i, b.Header.Slot)
		}
	}
}

func TestGraph_FinalityIsMonotonic(t *testing.T) {
	f := newFixture(t, testConfig(2, 3))
	s := f.buildScenario()
	for _, b := range []*types.Block{s.A0, s.A1, s.B, s.C, s.D} {
		f.submit(b)
	}
	require.Equal(t, types.StatusFinal, f.status(s.A0))

	// a competitor of a final block can never be integrated
	rival := f.block(1, 0, 9, f.genesis[0], f.genesis[1])
	status, err := f.g.Submit(rival)
	assert.Equal(t, types.StatusDiscarded, status)
	assert.True(t, cerrors.IsKind(err, cerrors.KindValidation))

	// a heavy branch skipping A1 in thread 1 conflicts with it and is refused
	skip := f.block(2, 1, 9, s.A0.Id(), f.genesis[1])
	f.submit(skip)
	assert.Equal(t, types.StatusDiscarded, f.status(skip))

	assert.Equal(t, types.StatusFinal, f.status(s.A0))
	assert.Equal(t, types.StatusFinal, f.status(s.A1))
}

func TestGraph_BootstrapRoundTrip(t *testing.T) {
	f := newFixture(t, testConfig(2, 3))
	s := f.buildScenario()
	for _, b := range []*types.Block{s.A0, s.A1, s.B, s.C, s.D} {
		f.submit(b)
	}

	restored, err := NewFromBootstrap(f.cfg, fixedSelector{}, "genesis", f.g.ExportBootstrap())
	require.NoError(t, err)
	assert.Equal(t, f.g.GetBlockclique(), restored.GetBlockclique())
	assert.Equal(t, f.g.LatestFinalPeriods(), restored.LatestFinalPeriods())
	assert.Equal(t, types.StatusFinal, restored.GetStatus(s.A0.Id()))
}

func TestGraph_BootstrapKeepsOlderFinalParents(t *testing.T) {
	f := newFixture(t, testConfig(2, 2))
	a0 := f.block(1, 0, 0, f.genesis[0], f.genesis[1])
	x1 := f.block(1, 1, 0, f.genesis[0], f.genesis[1])
	b0 := f.block(2, 0, 0, a0.Id(), f.genesis[1])
	y1 := f.block(2, 1, 0, a0.Id(), x1.Id())
	for _, b := range []*types.Block{a0, x1, b0, y1} {
		f.submit(b)
	}
	require.Equal(t, types.StatusFinal, f.status(a0))
	require.Equal(t, []uint64{1, 0}, f.g.LatestFinalPeriods())

	// x1 still points at G0 although a0 is the latest final block of thread 0
	bs := f.g.ExportBootstrap()
	assert.Len(t, bs.FinalBlocks, 3)
	assert.Len(t, bs.ActiveBlocks, 3)

	restored, err := NewFromBootstrap(f.cfg, fixedSelector{}, "genesis", bs)
	require.NoError(t, err)
	assert.Equal(t, f.g.GetBlockclique(), restored.GetBlockclique())
	assert.Len(t, restored.GetBlockclique(), 3)
	assert.Equal(t, f.g.LatestFinalPeriods(), restored.LatestFinalPeriods())
	assert.Equal(t, types.StatusActive, restored.GetStatus(x1.Id()))
	assert.Equal(t, types.StatusActive, restored.GetStatus(y1.Id()))
	assert.Empty(t, restored.Wishlist())
}

func TestGraph_BootstrapNeedsFinalBlockPerThread(t *testing.T) {
	f := newFixture(t, testConfig(2, 3))
	bs := f.g.ExportBootstrap()
	bs.FinalBlocks = bs.FinalBlocks[:1]
	_, err := NewFromBootstrap(f.cfg, fixedSelector{}, "genesis", bs)
	assert.Error(t, err)
}

func TestGraph_PruneOldFinalBlocks(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.ForceKeepFinalPeriods = 2
	f := newFixture(t, cfg)

	parent := f.genesis[0]
	var chain []*types.Block
	for p := uint64(1); p <= 8; p++ {
		b := f.block(p, 0, 0, parent)
		f.submit(b)
		chain = append(chain, b)
		parent = b.Id()
	}
	// with delta_f0 = 1 every block but the tip is final
	assert.Equal(t, []uint64{7}, f.g.LatestFinalPeriods())
	assert.Equal(t, types.StatusUnknown, f.status(chain[0]))
	assert.Equal(t, types.StatusFinal, f.status(chain[4]))
	assert.Equal(t, types.StatusActive, f.status(chain[7]))
}
