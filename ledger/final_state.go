package ledger

import (
	"fmt"
	"strings"

	cerrors "github.com/mezonai/blockclique/errors"
	"github.com/mezonai/blockclique/jsonx"
	"github.com/mezonai/blockclique/logx"
	"github.com/mezonai/blockclique/types"
)

// FinalState is the part of the ledger handed to a bootstrapping node
type FinalState struct {
	Slot    types.Slot                           `json:"slot"`
	Entries map[types.Address]*types.LedgerEntry `json:"entries"`
	History []SlotChanges                        `json:"history"`
	// Metadata holds the staged keys, e.g. selector cycle inputs
	Metadata map[string][]byte `json:"metadata,omitempty"`
}

// InitGenesis writes the initial entries and marks lastGenesisSlot as final.
// It is a no-op on a ledger that already has a final state.
func (l *Ledger) InitGenesis(lastGenesisSlot types.Slot, entries types.LedgerChanges) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalSlot != nil {
		return nil
	}
	if err := l.applyLocked(lastGenesisSlot, entries); err != nil {
		return err
	}
	l.history = nil
	logx.Info("LEDGER", fmt.Sprintf("Initialized genesis ledger with %d entries", len(entries)))
	return nil
}

// ExportFinalState dumps every final entry with the final history
func (l *Ledger) ExportFinalState() (*FinalState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.finalSlot == nil {
		return nil, fmt.Errorf("ledger has no final state")
	}
	state := &FinalState{
		Slot:     *l.finalSlot,
		Entries:  make(map[types.Address]*types.LedgerEntry),
		Metadata: make(map[string][]byte),
	}
	err := l.store.ForEach(func(addr types.Address, entry *types.LedgerEntry) bool {
		state.Entries[addr] = entry
		return true
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStore, err, "export final entries")
	}
	err = l.store.dbProvider.IteratePrefix([]byte(PrefixMetadata), func(key, value []byte) bool {
		state.Metadata[strings.TrimPrefix(string(key), PrefixMetadata)] = append([]byte(nil), value...)
		return true
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindStore, err, "export metadata")
	}
	for _, h := range l.history {
		state.History = append(state.History, SlotChanges{Slot: h.Slot, Changes: h.Changes.Clone()})
	}
	return state, nil
}

// ImportFinalState replaces the whole final state. Speculative layers are dropped.
func (l *Ledger) ImportFinalState(state *FinalState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	changes := types.NewLedgerChanges()
	err := l.store.ForEach(func(addr types.Address, _ *types.LedgerEntry) bool {
		changes[addr] = nil
		return true
	})
	if err != nil {
		return cerrors.Wrap(cerrors.KindStore, err, "scan final entries")
	}
	for addr, entry := range state.Entries {
		changes.Set(addr, entry)
	}
	slotBytes, err := jsonx.Marshal(state.Slot)
	if err != nil {
		return err
	}
	historyBytes, err := jsonx.Marshal(state.History)
	if err != nil {
		return err
	}
	extra := map[string][]byte{MetaKeyFinalSlot: slotBytes, MetaKeyHistory: historyBytes}
	for key, value := range state.Metadata {
		extra[metadataKey(key)] = value
	}
	if err := l.store.writeBatch(changes, extra); err != nil {
		l.store.purgeCache()
		return cerrors.Wrap(cerrors.KindStore, err, "import final state")
	}

	slot := state.Slot
	l.finalSlot = &slot
	l.history = append([]SlotChanges(nil), state.History...)
	for i := range l.layers {
		l.layers[i] = layer{}
	}
	l.layers = l.layers[:0]
	l.finalSeq = l.nextSeq
	l.dirty = false
	logx.Info("LEDGER", fmt.Sprintf("Imported final state at slot %s with %d entries", slot, len(state.Entries)))
	return nil
}
