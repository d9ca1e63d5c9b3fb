package pool

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/holiman/uint256"
	"github.com/mezonai/blockclique/config"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/events"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/monitoring"
	"github.com/mezonai/blockclique/types"
)

const defaultTreeDegree = 32

// EventPublisher receives OperationKnown and EndorsementKnown events
type EventPublisher interface {
	Publish(event events.ConsensusEvent)
}

type entry struct {
	id  types.OperationId
	fee *uint256.Int
	op  types.Operation
}

// less orders by fee, highest first, then by id
func (e *entry) less(o *entry) bool {
	if c := e.fee.Cmp(o.fee); c != 0 {
		return c > 0
	}
	return bytes.Compare(e.id[:], o.id[:]) < 0
}

// Pool holds the validated operations and endorsements waiting for a block.
// Storage is per thread and bounded.
type Pool struct {
	mu          sync.Mutex
	cfg         config.PoolConfig
	threadCount uint8
	publisher   EventPublisher

	byThread []*btree.BTreeG[*entry]
	ops      map[types.OperationId]*entry
	// ids included by the current blockclique
	included map[types.OperationId]struct{}
	// final ids, kept until they expire so they are never admitted again
	final map[types.OperationId]uint64

	endorsements     map[types.Slot]map[types.EndorsementId]types.Endorsement
	endorsementCount int

	currentPeriod      uint64
	latestFinalPeriods []uint64
}

func New(cfg *config.Config, publisher EventPublisher) *Pool {
	p := &Pool{
		cfg:                cfg.Pool,
		threadCount:        cfg.Consensus.ThreadCount,
		publisher:          publisher,
		byThread:           make([]*btree.BTreeG[*entry], cfg.Consensus.ThreadCount),
		ops:                make(map[types.OperationId]*entry),
		included:           make(map[types.OperationId]struct{}),
		final:              make(map[types.OperationId]uint64),
		endorsements:       make(map[types.Slot]map[types.EndorsementId]types.Endorsement),
		latestFinalPeriods: make([]uint64, cfg.Consensus.ThreadCount),
	}
	for t := range p.byThread {
		p.byThread[t] = btree.NewG(defaultTreeDegree, (*entry).less)
	}
	return p
}

// AddOperations admits each operation independently. The returned slice has
// one entry per operation, nil when it was admitted.
func (p *Pool) AddOperations(ops []types.Operation) []error {
	p.mu.Lock()
	errs := make([]error, len(ops))
	var admitted []types.OperationId
	for i := range ops {
		id, err := p.addOperationLocked(ops[i])
		if err != nil {
			errs[i] = err
			continue
		}
		admitted = append(admitted, id)
	}
	sizes := p.sizesLocked()
	p.mu.Unlock()

	for t, size := range sizes {
		monitoring.SetPoolSize(uint8(t), size)
	}
	if p.publisher != nil {
		for _, id := range admitted {
			p.publisher.Publish(events.NewOperationKnown(id))
		}
	}
	return errs
}

func (p *Pool) addOperationLocked(op types.Operation) (types.OperationId, error) {
	id := op.Id()
	if op.MissingRecipient() {
		return id, p.reject(monitoring.OpRejectedOther, cerrors.KindValidation, cerrors.ErrMsgMissingRecipient)
	}
	if _, ok := p.ops[id]; ok {
		return id, p.reject(monitoring.OpDuplicated, cerrors.KindValidation, cerrors.ErrMsgDuplicateOperation)
	}
	if _, ok := p.final[id]; ok {
		return id, p.reject(monitoring.OpDuplicated, cerrors.KindValidation, cerrors.ErrMsgDuplicateOperation)
	}
	if op.ValidityStartPeriod > p.currentPeriod+p.cfg.MaxOperationFutureValidityStartPeriods {
		return id, p.reject(monitoring.OpValidityTooFar, cerrors.KindValidation, cerrors.ErrMsgValidityTooFarInFuture)
	}
	if op.ExpirePeriod < p.currentPeriod {
		return id, p.reject(monitoring.OpExpired, cerrors.KindValidation, cerrors.ErrMsgOperationExpired)
	}
	tree := p.byThread[op.Thread(p.threadCount)]
	if tree.Len() >= p.cfg.MaxPoolSizePerThread {
		return id, p.reject(monitoring.OpPoolFull, cerrors.KindCapacity, cerrors.ErrMsgPoolFull)
	}
	e := &entry{id: id, fee: op.FeeOrZero().Clone(), op: op}
	tree.ReplaceOrInsert(e)
	p.ops[id] = e
	return id, nil
}

func (p *Pool) reject(reason monitoring.OpRejectedReason, kind cerrors.ErrorKind, msg string) error {
	monitoring.RecordRejectedOperation(reason)
	return cerrors.NewError(kind, msg)
}

// AddEndorsements admits endorsements of non-final slots no further ahead
// than max_operation_future_validity_start_periods, up to
// max_endorsements_per_slot per slot and max_endorsement_pool_size overall.
func (p *Pool) AddEndorsements(es []types.Endorsement) []error {
	p.mu.Lock()
	errs := make([]error, len(es))
	var admitted []types.EndorsementId
	for i, e := range es {
		id, err := p.addEndorsementLocked(e)
		if err != nil {
			errs[i] = err
			continue
		}
		admitted = append(admitted, id)
	}
	p.mu.Unlock()

	if p.publisher != nil {
		for _, id := range admitted {
			p.publisher.Publish(events.NewEndorsementKnown(id))
		}
	}
	return errs
}

func (p *Pool) addEndorsementLocked(e types.Endorsement) (types.EndorsementId, error) {
	id := e.Id()
	if e.Slot.Thread >= p.threadCount {
		return id, cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgInvalidThread)
	}
	if e.Slot.Period < p.latestFinalPeriods[e.Slot.Thread] {
		return id, cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgStale)
	}
	if e.Slot.Period > p.currentPeriod+p.cfg.MaxOperationFutureValidityStartPeriods {
		return id, cerrors.NewError(cerrors.KindValidation, cerrors.ErrMsgEndorsementTooFar)
	}
	bySlot := p.endorsements[e.Slot]
	if _, dup := bySlot[id]; dup {
		return id, cerrors.NewError(cerrors.KindValidation, "endorsement already known")
	}
	if len(bySlot) >= p.cfg.MaxEndorsementsPerSlot {
		return id, cerrors.Newf(cerrors.KindCapacity, "endorsement pool is full for slot %s", e.Slot)
	}
	if p.endorsementCount >= p.cfg.MaxEndorsementPoolSize {
		return id, cerrors.NewError(cerrors.KindCapacity, cerrors.ErrMsgEndorsementPoolFull)
	}
	if bySlot == nil {
		bySlot = make(map[types.EndorsementId]types.Endorsement)
		p.endorsements[e.Slot] = bySlot
	}
	bySlot[id] = e
	p.endorsementCount++
	return id, nil
}

// PullOperations returns the best operations a block at slot may include,
// highest fee first. Included and out-of-validity operations are skipped.
func (p *Pool) PullOperations(slot types.Slot, maxCount int) []types.Operation {
	if maxCount > p.cfg.OperationBatchSize {
		maxCount = p.cfg.OperationBatchSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(slot.Thread) >= len(p.byThread) || maxCount <= 0 {
		return nil
	}
	var out []types.Operation
	p.byThread[slot.Thread].Ascend(func(e *entry) bool {
		if _, ok := p.included[e.id]; ok {
			return true
		}
		if !e.op.IsValidAt(slot.Period) {
			return true
		}
		out = append(out, e.op)
		return len(out) < maxCount
	})
	return out
}

// PullEndorsements returns the endorsements of slot ordered by index
func (p *Pool) PullEndorsements(slot types.Slot, maxCount int) []types.Endorsement {
	p.mu.Lock()
	defer p.mu.Unlock()
	bySlot := p.endorsements[slot]
	out := make([]types.Endorsement, 0, len(bySlot))
	for _, e := range bySlot {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		a, b := out[i].Id(), out[j].Id()
		return bytes.Compare(a[:], b[:]) < 0
	})
	if len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}

// NotifyIncluded replaces the set of operations included by the current blockclique
func (p *Pool) NotifyIncluded(ids []types.OperationId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.included = make(map[types.OperationId]struct{}, len(ids))
	for _, id := range ids {
		p.included[id] = struct{}{}
	}
}

// NotifyFinal drops operations included by final blocks
func (p *Pool) NotifyFinal(ids []types.OperationId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if e, ok := p.ops[id]; ok {
			p.removeLocked(e)
			p.final[id] = e.op.ExpirePeriod
		} else {
			p.final[id] = p.currentPeriod + p.cfg.MaxOperationFutureValidityStartPeriods
		}
		delete(p.included, id)
	}
}

// UpdateCurrentSlot prunes the operations that expired
func (p *Pool) UpdateCurrentSlot(slot types.Slot) {
	p.mu.Lock()
	if slot.Period < p.currentPeriod {
		p.mu.Unlock()
		return
	}
	p.currentPeriod = slot.Period
	var expired []*entry
	for _, e := range p.ops {
		if e.op.ExpirePeriod < slot.Period {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		p.removeLocked(e)
	}
	for id, expire := range p.final {
		if expire < slot.Period {
			delete(p.final, id)
		}
	}
	sizes := p.sizesLocked()
	p.mu.Unlock()

	for t, size := range sizes {
		monitoring.SetPoolSize(uint8(t), size)
	}
	if len(expired) > 0 {
		logx.Debug("POOL", fmt.Sprintf("Pruned %d expired operations at period %d", len(expired), slot.Period))
	}
}

// UpdateLatestFinalPeriods prunes the endorsements of slots behind the final frontier
func (p *Pool) UpdateLatestFinalPeriods(periods []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.latestFinalPeriods, periods)
	for slot := range p.endorsements {
		if slot.Period < p.latestFinalPeriods[slot.Thread] {
			p.endorsementCount -= len(p.endorsements[slot])
			delete(p.endorsements, slot)
		}
	}
}

// EndorsementCount returns the number of pooled endorsements
func (p *Pool) EndorsementCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endorsementCount
}

// Len returns the number of pending operations
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ops)
}

func (p *Pool) removeLocked(e *entry) {
	p.byThread[e.op.Thread(p.threadCount)].Delete(e)
	delete(p.ops, e.id)
}

func (p *Pool) sizesLocked() []int {
	sizes := make([]int, len(p.byThread))
	for t, tree := range p.byThread {
		sizes[t] = tree.Len()
	}
	return sizes
}
