package types

import (
	"errors"
	"fmt"
	"time"
)

var ErrSlotOverflow = errors.New("slot overflow")

// Slot is the (period, thread) address of a block position.
// The lexicographic order defined here is used for deterministic iteration
// only; causality between blocks comes from parent links.
type Slot struct {
	Period uint64 `json:"period" yaml:"period"`
	Thread uint8  `json:"thread" yaml:"thread"`
}

func NewSlot(period uint64, thread uint8) Slot {
	return Slot{Period: period, Thread: thread}
}

func (s Slot) String() string {
	return fmt.Sprintf("(%d,%d)", s.Period, s.Thread)
}

// Compare returns -1, 0 or 1
func (s Slot) Compare(o Slot) int {
	switch {
	case s.Period < o.Period:
		return -1
	case s.Period > o.Period:
		return 1
	case s.Thread < o.Thread:
		return -1
	case s.Thread > o.Thread:
		return 1
	}
	return 0
}

func (s Slot) Less(o Slot) bool {
	return s.Compare(o) < 0
}

// Next returns the slot right after s
func (s Slot) Next(threadCount uint8) (Slot, error) {
	if s.Thread+1 < threadCount {
		return Slot{Period: s.Period, Thread: s.Thread + 1}, nil
	}
	if s.Period == ^uint64(0) {
		return Slot{}, ErrSlotOverflow
	}
	return Slot{Period: s.Period + 1, Thread: 0}, nil
}

// Prev returns the slot right before s, false for slot (0,0)
func (s Slot) Prev(threadCount uint8) (Slot, bool) {
	if s.Thread > 0 {
		return Slot{Period: s.Period, Thread: s.Thread - 1}, true
	}
	if s.Period == 0 {
		return Slot{}, false
	}
	return Slot{Period: s.Period - 1, Thread: threadCount - 1}, true
}

// Cycle returns the selection cycle the slot belongs to
func (s Slot) Cycle(periodsPerCycle uint64) uint64 {
	return s.Period / periodsPerCycle
}

// IsLastOfCycle reports whether s is the last slot of its cycle
func (s Slot) IsLastOfCycle(periodsPerCycle uint64, threadCount uint8) bool {
	return s.Thread == threadCount-1 && (s.Period+1)%periodsPerCycle == 0
}

// SlotTimestamp returns the wall-clock start of a slot. Periods last t0,
// threads split a period evenly.
func SlotTimestamp(slot Slot, threadCount uint8, t0 time.Duration, genesis time.Time) time.Time {
	offset := time.Duration(slot.Period)*t0 + time.Duration(slot.Thread)*(t0/time.Duration(threadCount))
	return genesis.Add(offset)
}

// SlotAt returns the latest slot started at or before now, false before genesis
func SlotAt(now time.Time, threadCount uint8, t0 time.Duration, genesis time.Time) (Slot, bool) {
	if now.Before(genesis) {
		return Slot{}, false
	}
	elapsed := now.Sub(genesis)
	period := uint64(elapsed / t0)
	thread := uint8((elapsed % t0) / (t0 / time.Duration(threadCount)))
	if thread >= threadCount {
		thread = threadCount - 1
	}
	return Slot{Period: period, Thread: thread}, true
}
