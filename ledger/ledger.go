package ledger

import (
	"fmt"
	"sync"

	"github.com/mezonai/blockclique/config"
	"github.com/mezonai/blockclique/db"
	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/jsonx"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
)

// SlotChanges is the ledger output of one executed slot
type SlotChanges struct {
	Slot    types.Slot          `json:"slot"`
	Changes types.LedgerChanges `json:"changes"`
}

// Checkpoint marks a position in the speculative layer stack.
// Rolling back to it drops every layer pushed after it was taken.
type Checkpoint struct {
	seq uint64
}

type layer struct {
	seq uint64
	SlotChanges
}

// Ledger is the final state on disk plus a stack of speculative layers on top of it.
// The execution scheduler is the single writer.
type Ledger struct {
	mu    sync.RWMutex
	store *AccountStore

	layers  []layer
	nextSeq uint64
	// layers with seq below finalSeq were committed
	finalSeq uint64

	finalSlot    *types.Slot
	history      []SlotChanges
	historyLimit int
	dirty        bool

	// written with the next final commit
	staged map[string][]byte
}

// NewLedger opens the final store and restores the persisted final slot and history
func NewLedger(provider db.IterableProvider, cfg config.LedgerConfig) (*Ledger, error) {
	store, err := NewAccountStore(provider, cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}
	l := &Ledger{store: store, historyLimit: cfg.FinalHistoryLength, staged: make(map[string][]byte)}

	raw, err := store.getMeta(MetaKeyFinalSlot)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStore, err, "read final slot")
	}
	if raw != nil {
		var slot types.Slot
		if err := jsonx.Unmarshal(raw, &slot); err != nil {
			return nil, fmt.Errorf("invalid persisted final slot: %w", err)
		}
		l.finalSlot = &slot
	}
	raw, err = store.getMeta(MetaKeyHistory)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStore, err, "read final history")
	}
	if raw != nil {
		if err := jsonx.Unmarshal(raw, &l.history); err != nil {
			return nil, fmt.Errorf("invalid persisted final history: %w", err)
		}
	}
	if l.finalSlot != nil {
		logx.Info("LEDGER", "Restored final state at slot ", l.finalSlot.String())
	}
	return l, nil
}

// Get returns the final entry of addr, nil if absent
func (l *Ledger) Get(addr types.Address) (*types.LedgerEntry, error) {
	entry, err := l.store.GetByAddr(addr)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStore, err, "read final entry")
	}
	return entry, nil
}

// GetSpeculative returns the entry of addr as seen through every speculative layer
func (l *Ledger) GetSpeculative(addr types.Address) (*types.LedgerEntry, error) {
	l.mu.RLock()
	for i := len(l.layers) - 1; i >= 0; i-- {
		if entry, ok := l.layers[i].Changes[addr]; ok {
			l.mu.RUnlock()
			return entry.Clone(), nil
		}
	}
	l.mu.RUnlock()
	return l.Get(addr)
}

// FinalSlot returns the last slot applied to the final store
func (l *Ledger) FinalSlot() (types.Slot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.finalSlot == nil {
		return types.Slot{}, false
	}
	return *l.finalSlot, true
}

// Apply writes the changes of a final slot to disk in one atomic batch
func (l *Ledger) Apply(slot types.Slot, changes types.LedgerChanges) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(slot, changes)
}

func (l *Ledger) applyLocked(slot types.Slot, changes types.LedgerChanges) error {
	if l.finalSlot != nil && !l.finalSlot.Less(slot) {
		return cerrors.Newf(cerrors.KindStore, "final slot %s applied after %s", slot, l.finalSlot)
	}
	slotBytes, err := jsonx.Marshal(slot)
	if err != nil {
		return err
	}
	extra := map[string][]byte{MetaKeyFinalSlot: slotBytes}
	for key, value := range l.staged {
		extra[metadataKey(key)] = value
	}
	if err := l.store.writeBatch(changes, extra); err != nil {
		logx.Error("LEDGER", fmt.Sprintf("Final commit of slot %s failed: %v", slot, err))
		return cerrors.Wrap(cerrors.KindStore, err, "apply final changes")
	}
	l.finalSlot = &slot
	l.staged = make(map[string][]byte)
	l.history = append(l.history, SlotChanges{Slot: slot, Changes: changes.Clone()})
	if over := len(l.history) - l.historyLimit; over > 0 {
		l.history = append([]SlotChanges(nil), l.history[over:]...)
	}
	l.dirty = true
	return nil
}

// StageMetadata queues a key that is written atomically with the next final commit
func (l *Ledger) StageMetadata(key string, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged[key] = append([]byte(nil), value...)
}

// GetMetadata returns a committed metadata value, nil if absent
func (l *Ledger) GetMetadata(key string) ([]byte, error) {
	raw, err := l.store.getMeta(metadataKey(key))
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStore, err, "read metadata")
	}
	return raw, nil
}

// FinalRolls returns the roll count of every final entry holding rolls
func (l *Ledger) FinalRolls() (map[types.Address]uint64, error) {
	rolls := make(map[types.Address]uint64)
	err := l.store.ForEach(func(addr types.Address, entry *types.LedgerEntry) bool {
		if entry.Rolls > 0 {
			rolls[addr] = entry.Rolls
		}
		return true
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStore, err, "scan final rolls")
	}
	return rolls, nil
}

// PushSpeculative stacks the changes of a speculatively executed slot
func (l *Ledger) PushSpeculative(slot types.Slot, changes types.LedgerChanges) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.layers = append(l.layers, layer{seq: l.nextSeq, SlotChanges: SlotChanges{Slot: slot, Changes: changes.Clone()}})
	l.nextSeq++
}

// Checkpoint captures the current top of the speculative stack
func (l *Ledger) Checkpoint() Checkpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Checkpoint{seq: l.nextSeq}
}

// RollbackTo drops the layers pushed after cp. Layers already committed cannot be rolled back.
func (l *Ledger) RollbackTo(cp Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cp.seq < l.finalSeq {
		return fmt.Errorf("checkpoint %d is behind the final state", cp.seq)
	}
	if cp.seq > l.nextSeq {
		return fmt.Errorf("checkpoint %d is ahead of the speculative stack", cp.seq)
	}
	keep := len(l.layers)
	for keep > 0 && l.layers[keep-1].seq >= cp.seq {
		keep--
	}
	for i := keep; i < len(l.layers); i++ {
		l.layers[i] = layer{}
	}
	dropped := len(l.layers) - keep
	l.layers = l.layers[:keep]
	l.nextSeq = cp.seq
	if dropped > 0 {
		logx.Debug("LEDGER", fmt.Sprintf("Rolled back %d speculative layers", dropped))
	}
	return nil
}

// CommitOldest makes the oldest speculative layer final
func (l *Ledger) CommitOldest() (SlotChanges, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.layers) == 0 {
		return SlotChanges{}, fmt.Errorf("no speculative layer to commit")
	}
	oldest := l.layers[0]
	if err := l.applyLocked(oldest.Slot, oldest.Changes); err != nil {
		return SlotChanges{}, err
	}
	l.layers[0] = layer{}
	l.layers = l.layers[1:]
	l.finalSeq = oldest.seq + 1
	return oldest.SlotChanges, nil
}

// SpeculativeDepth returns the number of speculative layers
func (l *Ledger) SpeculativeDepth() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.layers)
}

// History returns the bounded list of the latest final slot changes, oldest first
func (l *Ledger) History() []SlotChanges {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SlotChanges, len(l.history))
	for i, h := range l.history {
		out[i] = SlotChanges{Slot: h.Slot, Changes: h.Changes.Clone()}
	}
	return out
}

// Flush persists the final history. Account entries are already durable once Apply returns.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	raw, err := jsonx.Marshal(l.history)
	if err != nil {
		return err
	}
	if err := l.store.dbProvider.Put([]byte(MetaKeyHistory), raw); err != nil {
		return cerrors.Wrap(cerrors.KindStore, err, "flush final history")
	}
	l.dirty = false
	return nil
}

func (l *Ledger) Close() error {
	if err := l.Flush(); err != nil {
		logx.Error("LEDGER", "Flush on close failed: ", err)
	}
	return l.store.Close()
}
