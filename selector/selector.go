package selector

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mezonai/blockclique/config"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
)

// CycleInputs are the committed randomness and the roll distribution a cycle is drawn from
type CycleInputs struct {
	Seed  [32]byte                 `json:"seed"`
	Rolls map[types.Address]uint64 `json:"rolls"`
}

func (ci CycleInputs) equal(o CycleInputs) bool {
	if ci.Seed != o.Seed || len(ci.Rolls) != len(o.Rolls) {
		return false
	}
	for addr, r := range ci.Rolls {
		if o.Rolls[addr] != r {
			return false
		}
	}
	return true
}

// Selection is the draw of one slot: a producer and its ordered endorsers
type Selection struct {
	Producer  types.Address   `json:"producer"`
	Endorsers []types.Address `json:"endorsers"`
}

// SlotSelection pairs a slot with its draw
type SlotSelection struct {
	Slot      types.Slot `json:"slot"`
	Selection Selection  `json:"selection"`
}

type cycleDraws struct {
	firstPeriod uint64
	selections  []Selection // indexed by (period-firstPeriod)*threadCount + thread
}

// Selector draws producers and endorsers per slot. Draws of a cycle only
// depend on the inputs fed for that cycle, which are immutable once fed, so
// stake changes can never alter an already valid draw.
type Selector struct {
	mu               sync.RWMutex
	threadCount      uint8
	periodsPerCycle  uint64
	endorsementCount int
	cachedCycles     int
	genesisAddress   types.Address

	inputs   map[uint64]CycleInputs
	maxCycle uint64
	draws    *lru.Cache
}

// New feeds the first lookback cycles with the genesis inputs
func New(cfg *config.Config, genesisAddress types.Address, genesis CycleInputs) (*Selector, error) {
	cache, err := lru.New(cfg.Selector.PosDrawCachedCycles)
	if err != nil {
		return nil, err
	}
	s := &Selector{
		threadCount:      cfg.Consensus.ThreadCount,
		periodsPerCycle:  cfg.Selector.PeriodsPerCycle,
		endorsementCount: cfg.Consensus.EndorsementCount,
		cachedCycles:     cfg.Selector.PosDrawCachedCycles,
		genesisAddress:   genesisAddress,
		inputs:           make(map[uint64]CycleInputs),
		draws:            cache,
	}
	for c := uint64(0); c < cfg.Selector.LookbackCycles; c++ {
		s.inputs[c] = genesis
		s.maxCycle = c
	}
	return s, nil
}

// FeedCycle registers the inputs of a cycle. Cycles must be fed in order and
// never change once fed.
func (s *Selector) FeedCycle(cycle uint64, inputs CycleInputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.inputs[cycle]; ok {
		if !existing.equal(inputs) {
			return fmt.Errorf("cycle %d already fed with different inputs", cycle)
		}
		return nil
	}
	if cycle != s.maxCycle+1 {
		return fmt.Errorf("cycle %d fed out of order, next expected %d", cycle, s.maxCycle+1)
	}
	s.inputs[cycle] = inputs
	s.maxCycle = cycle
	for c := range s.inputs {
		if c+uint64(s.cachedCycles) <= s.maxCycle {
			delete(s.inputs, c)
			s.draws.Remove(c)
		}
	}
	logx.Info("SELECTOR", fmt.Sprintf("Fed cycle %d: %d roll holders", cycle, len(inputs.Rolls)))
	return nil
}

// Window returns the inclusive range of cycles that can be drawn
func (s *Selector) Window() (uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windowLocked()
}

func (s *Selector) windowLocked() (uint64, uint64) {
	lo := uint64(0)
	if s.maxCycle+1 > uint64(s.cachedCycles) {
		lo = s.maxCycle + 1 - uint64(s.cachedCycles)
	}
	return lo, s.maxCycle
}

// GetSelection returns the draw of a slot
func (s *Selector) GetSelection(slot types.Slot) (Selection, error) {
	if slot.Thread >= s.threadCount {
		return Selection{}, cerrors.Newf(cerrors.KindValidation, "thread %d out of range", slot.Thread)
	}
	draws, err := s.cycle(slot.Cycle(s.periodsPerCycle))
	if err != nil {
		return Selection{}, err
	}
	idx := (slot.Period-draws.firstPeriod)*uint64(s.threadCount) + uint64(slot.Thread)
	sel := draws.selections[idx]
	if slot.Period == 0 {
		sel.Producer = s.genesisAddress
	}
	return sel, nil
}

// GetProducer returns the address allowed to produce the block of a slot
func (s *Selector) GetProducer(slot types.Slot) (types.Address, error) {
	sel, err := s.GetSelection(slot)
	if err != nil {
		return "", err
	}
	return sel.Producer, nil
}

// GetEndorsers returns the ordered endorsers of a slot
func (s *Selector) GetEndorsers(slot types.Slot) ([]types.Address, error) {
	sel, err := s.GetSelection(slot)
	if err != nil {
		return nil, err
	}
	return sel.Endorsers, nil
}

// GetDraws lists the draws of every slot in [start, end)
func (s *Selector) GetDraws(start, end types.Slot) ([]SlotSelection, error) {
	var res []SlotSelection
	for cur := start; cur.Less(end); {
		sel, err := s.GetSelection(cur)
		if err != nil {
			return nil, err
		}
		res = append(res, SlotSelection{Slot: cur, Selection: sel})
		next, err := cur.Next(s.threadCount)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return res, nil
}

func (s *Selector) cycle(cycle uint64) (*cycleDraws, error) {
	if cached, ok := s.draws.Get(cycle); ok {
		return cached.(*cycleDraws), nil
	}

	s.mu.RLock()
	lo, hi := s.windowLocked()
	inputs, ok := s.inputs[cycle]
	s.mu.RUnlock()
	if cycle < lo || cycle > hi || !ok {
		return nil, cerrors.Newf(cerrors.KindDrawOutOfRange, "cycle %d outside draw window [%d, %d]", cycle, lo, hi)
	}

	draws, err := s.computeDraws(cycle, inputs)
	if err != nil {
		return nil, err
	}
	s.draws.Add(cycle, draws)
	return draws, nil
}

// computeDraws picks every selection of the cycle from a ChaCha8 stream keyed
// by sha256(seed || cycle), weighted by rolls over addresses in sorted order.
func (s *Selector) computeDraws(cycle uint64, inputs CycleInputs) (*cycleDraws, error) {
	addrs := make([]types.Address, 0, len(inputs.Rolls))
	for addr, rolls := range inputs.Rolls {
		if rolls > 0 {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, cerrors.Newf(cerrors.KindDrawOutOfRange, "cycle %d has no rolls to draw from", cycle)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	cumulative := make([]uint64, len(addrs))
	total := uint64(0)
	for i, addr := range addrs {
		total += inputs.Rolls[addr]
		cumulative[i] = total
	}

	var buf [40]byte
	copy(buf[:32], inputs.Seed[:])
	binary.BigEndian.PutUint64(buf[32:], cycle)
	rng := rand.New(rand.NewChaCha8(sha256.Sum256(buf[:])))

	pick := func() types.Address {
		v := rng.Uint64N(total)
		i := sort.Search(len(cumulative), func(i int) bool { return cumulative[i] > v })
		return addrs[i]
	}

	draws := &cycleDraws{
		firstPeriod: cycle * s.periodsPerCycle,
		selections:  make([]Selection, 0, s.periodsPerCycle*uint64(s.threadCount)),
	}
	for p := uint64(0); p < s.periodsPerCycle; p++ {
		for t := uint8(0); t < s.threadCount; t++ {
			sel := Selection{Producer: pick(), Endorsers: make([]types.Address, s.endorsementCount)}
			for e := range sel.Endorsers {
				sel.Endorsers[e] = pick()
			}
			draws.selections = append(draws.selections, sel)
		}
	}
	logx.Debug("SELECTOR", fmt.Sprintf("Computed draws for cycle %d over %d rolls", cycle, total))
	return draws, nil
}
